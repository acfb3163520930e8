package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dgnsrekt/speakahead/internal/demand"
	"github.com/dgnsrekt/speakahead/internal/pipeline"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

var _ pipeline.Observer = (*Metrics)(nil)

func TestMetrics_Observers(t *testing.T) {
	m := New()

	m.ObserveLookup(true)
	m.ObserveLookup(true)
	m.ObserveLookup(false)
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("Hits = %v, want 2", got)
	}

	m.ObserveEviction(3)
	m.ObserveSize(4096, 2)
	if got := testutil.ToFloat64(m.cacheEvictions); got != 3 {
		t.Errorf("Evictions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.cacheBytes); got != 4096 {
		t.Errorf("Bytes = %v, want 4096", got)
	}

	m.ObserveResult(synth.Succeeded("/a.wav", 0, 22050))
	m.ObserveResult(synth.Failed(synth.NewError(synth.KindOutOfMemory, synth.StageInferencing, "oom", nil)))
	if got := testutil.ToFloat64(m.synthResults.WithLabelValues("success", "none")); got != 1 {
		t.Errorf("Successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.synthResults.WithLabelValues("failure", "outOfMemory")); got != 1 {
		t.Errorf("OOM failures = %v, want 1", got)
	}

	m.ObserveRetry(synth.KindTimeout)
	if got := testutil.ToFloat64(m.retries.WithLabelValues("timeout")); got != 1 {
		t.Errorf("Retries = %v, want 1", got)
	}

	m.ObserveDemand(demand.ZoneCritical, 4000, 4, 8)
	if got := testutil.ToFloat64(m.zone); got != float64(demand.ZoneCritical) {
		t.Errorf("Zone = %v", got)
	}
	if got := testutil.ToFloat64(m.concurrencyLimit); got != 4 {
		t.Errorf("Limit = %v, want 4", got)
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.ObserveConcurrency(2, 1)

	path := filepath.Join(t.TempDir(), "speakahead.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "speakahead_synth_in_flight 1") {
		t.Errorf("Textfile missing in-flight gauge:\n%s", data)
	}
}
