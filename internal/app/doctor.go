package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

// BackendStatus is the probe result for one backend.
type BackendStatus struct {
	Type         string
	Available    bool
	Reason       string
	Core         backend.CoreState
	Voices       []string
	AvailableMem uint64 // bytes
	LoadedModels int
}

// CheckBackends probes every backend in the registry.
func CheckBackends(ctx context.Context, reg *backend.Registry) []BackendStatus {
	var out []BackendStatus
	for _, a := range reg.Adapters() {
		av := a.Probe(ctx)
		voices := a.Voices()
		sort.Strings(voices)
		out = append(out, BackendStatus{
			Type:         a.Type(),
			Available:    av.Available,
			Reason:       av.Reason,
			Core:         av.Core,
			Voices:       voices,
			AvailableMem: av.Memory.AvailableMB * 1024 * 1024,
			LoadedModels: av.Memory.LoadedModelCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Report renders statuses as a readable report. Colors are only used when
// styled is set.
func Report(statuses []BackendStatus, styled bool) string {
	var report strings.Builder

	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	missingStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	report.WriteString(render(titleStyle, "Backend Report"))
	report.WriteString("\n\n")

	if len(statuses) == 0 {
		report.WriteString("No backends in the voice manifest.\n")
		return report.String()
	}

	for _, st := range statuses {
		if st.Available {
			report.WriteString(render(okStyle, "  ✓ "+st.Type+": "))
			fmt.Fprintf(&report, "core %s\n", st.Core)
		} else {
			report.WriteString(render(missingStyle, "  ✗ "+st.Type+": "))
			fmt.Fprintf(&report, "%s\n", st.Reason)
		}
		if st.AvailableMem > 0 {
			report.WriteString(render(dimStyle, fmt.Sprintf("    memory available: %s, models loaded: %d",
				humanize.IBytes(st.AvailableMem), st.LoadedModels)))
			report.WriteString("\n")
		}
		for _, v := range st.Voices {
			fmt.Fprintf(&report, "    %s\n", v)
		}
	}
	return report.String()
}
