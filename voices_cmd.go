package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/speakahead/internal/app"
	"github.com/dgnsrekt/speakahead/internal/backend"
)

var (
	voicesCmd = &cobra.Command{
		Use:   "voices",
		Short: "List the voices in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			m, err := backend.LoadManifest(cfg.Backends.Manifest)
			if err != nil {
				return fmt.Errorf("unable to load voice manifest: %w", err)
			}
			for _, b := range m.Backends {
				fmt.Println(styled(headerStyle, b.Type), styled(dimStyle, b.CorePath))
				voices := append([]backend.VoiceSpec(nil), b.Voices...)
				sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
				for _, v := range voices {
					if v.Name != "" {
						fmt.Printf("  %s %s\n", v.ID, styled(dimStyle, v.Name))
					} else {
						fmt.Printf("  %s\n", v.ID)
					}
				}
			}
			return nil
		},
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Check that every backend in the manifest can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			statuses := app.CheckBackends(cmd.Context(), a.Registry)
			fmt.Fprint(os.Stdout, app.Report(statuses, isTerminal))
			for _, st := range statuses {
				if !st.Available {
					return fmt.Errorf("backend %s unavailable", st.Type)
				}
			}
			return nil
		},
	}
)
