package piper

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		stderr string
		want   string
	}{
		{"terminate called after throwing an instance of 'std::bad_alloc'", backend.CodeOutOfMemory},
		{"Failed to load voice from model.onnx", backend.CodeModelCorrupted},
		{"something else went wrong", backend.CodeInference},
	}
	for _, tt := range tests {
		if got, _ := classify(errors.New("exit status 1"), tt.stderr); got != tt.want {
			t.Errorf("classify(%q) = %s, want %s", tt.stderr, got, tt.want)
		}
	}
}

func TestService_NotInitialized(t *testing.T) {
	s := New(Config{})
	resp := s.Synthesize(context.Background(), backend.NativeRequest{VoiceID: "piper:amy", Text: "hi"})
	if resp.Success || resp.ErrorCode != backend.CodeModelMissing {
		t.Errorf("Expected MODEL_MISSING, got %+v", resp)
	}
}

func TestService_LoadVoiceMissingModel(t *testing.T) {
	s := New(Config{})
	if err := s.LoadVoice(context.Background(), "piper:amy", filepath.Join(t.TempDir(), "nope.onnx"), nil); err == nil {
		t.Error("Expected error for missing model")
	}
}

// TestService_FakeBinary drives the service with a shell script standing in
// for piper that writes a real WAV file copied from a fixture.
func TestService_FakeBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.wav")
	if err := backend.WriteSilence(fixture, 22050, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	script := filepath.Join(dir, "piper")
	body := "#!/bin/sh\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = \"--output_file\" ]; then out=\"$2\"; fi\n  shift\ndone\ncat > /dev/null\ncp \"" + fixture + "\" \"$out\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	model := filepath.Join(dir, "amy.onnx")
	os.WriteFile(model, []byte("model"), 0o644)
	os.WriteFile(model+".json", []byte("{}"), 0o644)

	s := New(Config{Binary: script})
	ctx := context.Background()
	if err := s.InitEngine(ctx, dir); err != nil {
		t.Fatalf("InitEngine failed: %v", err)
	}
	if err := s.LoadVoice(ctx, "piper:amy", model, nil); err != nil {
		t.Fatalf("LoadVoice failed: %v", err)
	}

	out := filepath.Join(dir, "out.wav")
	resp := s.Synthesize(ctx, backend.NativeRequest{
		VoiceID: "piper:amy", Text: "Hello.", OutputPath: out, RequestID: "r1", Speed: 1,
	})
	if !resp.Success {
		t.Fatalf("Synthesize failed: %+v", resp)
	}
	if resp.SampleRate != 22050 || resp.DurationMs < 490 || resp.DurationMs > 510 {
		t.Errorf("Unexpected audio info: %+v", resp)
	}
}
