package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dgnsrekt/speakahead/internal/backend"
	"github.com/dgnsrekt/speakahead/internal/config"
	"github.com/dgnsrekt/speakahead/internal/operation"
	"github.com/dgnsrekt/speakahead/internal/pipeline"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

const testManifest = `
backends:
  - type: mock
    options:
      sample_rate: "16000"
    voices:
      - id: mock:v1
        name: First
      - id: mock:v2
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = filepath.Join(dir, "audio")
	cfg.Cache.Cleanup = 0
	cfg.Backends.Manifest = filepath.Join(dir, "voices.yml")
	return cfg
}

func TestNewWithManifest_Synthesizes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "speakahead.prom")

	m, err := backend.ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	a, err := NewWithManifest(context.Background(), cfg, m)
	if err != nil {
		t.Fatalf("NewWithManifest failed: %v", err)
	}

	op := a.Pipeline.Begin(operation.KindLoadChapter)
	segs := []pipeline.Segment{
		{ID: "a", Index: 0, Text: "Hello there.", VoiceID: "mock:v1"},
		{ID: "b", Index: 1, Text: "General reader.", VoiceID: "mock:v2"},
	}
	results, err := a.Pipeline.RequestWindow(context.Background(), op, segs, synth.StaticCursor{Index: 0, Speed: 1})
	if err != nil {
		t.Fatalf("RequestWindow failed: %v", err)
	}
	for i, res := range results {
		if !res.OK() {
			t.Errorf("Segment %d failed: %+v", i, res)
		}
		if res.SampleRate != 16000 {
			t.Errorf("Segment %d sample rate = %d, want 16000", i, res.SampleRate)
		}
	}

	if _, err := os.Stat(filepath.Join(cfg.Cache.Dir, indexFile)); err != nil {
		t.Errorf("SQLite index not created: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := os.ReadFile(cfg.Metrics.Textfile)
	if err != nil {
		t.Fatalf("Metrics textfile not written: %v", err)
	}
	if !strings.Contains(string(data), "speakahead_synth_results_total") {
		t.Errorf("Metrics textfile missing results counter:\n%s", data)
	}
}

func TestNew_MissingManifest(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(context.Background(), cfg)
	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("Expected ErrNoManifest, got %v", err)
	}
}

func TestNew_LoadsManifestFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Index = config.IndexMemory
	if err := os.WriteFile(cfg.Backends.Manifest, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if got := a.Pipeline.Voices(); len(got) != 2 {
		t.Errorf("Voices = %v, want 2", got)
	}
	if a.Metrics != nil {
		t.Error("Metrics should be nil when disabled")
	}
}

func TestBuildShell(t *testing.T) {
	tests := []struct {
		name    string
		spec    backend.BackendSpec
		wantErr bool
	}{
		{
			name: "mock",
			spec: backend.BackendSpec{Type: "mock", Prefix: "mock", Voices: []backend.VoiceSpec{{ID: "mock:a"}}},
		},
		{
			name: "piper",
			spec: backend.BackendSpec{Type: "piper", Prefix: "piper", CorePath: t.TempDir(),
				Options: map[string]string{"binary": "/nonexistent/piper", "grace_period": "1s"}},
		},
		{
			name:    "bad duration",
			spec:    backend.BackendSpec{Type: "mock", Options: map[string]string{"delay": "soon"}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			spec:    backend.BackendSpec{Type: "espeak"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := BuildShell(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildShell failed: %v", err)
			}
			if s.Type() != tt.spec.Type {
				t.Errorf("Type = %s, want %s", s.Type(), tt.spec.Type)
			}
		})
	}
}

func TestReport(t *testing.T) {
	m, err := backend.ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	shells, err := BuildShells(m)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := backend.NewRegistry(shells[0])
	if err != nil {
		t.Fatal(err)
	}

	statuses := CheckBackends(context.Background(), reg)
	if len(statuses) != 1 || !statuses[0].Available {
		t.Fatalf("Unexpected statuses: %+v", statuses)
	}

	out := Report(statuses, false)
	for _, want := range []string{"Backend Report", "✓ mock", "mock:v1", "mock:v2"} {
		if !strings.Contains(out, want) {
			t.Errorf("Report missing %q:\n%s", want, out)
		}
	}
	if out := Report(nil, false); !strings.Contains(out, "No backends") {
		t.Errorf("Empty report = %q", out)
	}
}
