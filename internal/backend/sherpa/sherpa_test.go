//go:build !nocgo

package sherpa

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

func TestSynthesize_CancelWaitsForGeneration(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := &model{
		refs: 1,
		generate: func(string, int, float32) *sherpa.GeneratedAudio {
			close(started)
			<-release
			return &sherpa.GeneratedAudio{Samples: make([]float32, 100), SampleRate: 22050}
		},
	}
	s := &Service{
		models:  map[string]*model{"model.onnx": m},
		voices:  map[string]voice{"sherpa:v1": {modelPath: "model.onnx"}},
		cancels: make(map[string]context.CancelFunc),
	}

	out := filepath.Join(t.TempDir(), "out.wav")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan backend.NativeResponse, 1)
	go func() {
		done <- s.Synthesize(ctx, backend.NativeRequest{
			VoiceID:    "sherpa:v1",
			Text:       "Still generating.",
			OutputPath: out,
			RequestID:  "r1",
			Speed:      1,
		})
	}()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Synthesize returned while generation was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case resp := <-done:
		if resp.ErrorCode != backend.CodeCancelled {
			t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, backend.CodeCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Synthesize never returned")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("Cancelled generation left audio behind")
	}
}

func TestSynthesize_CancelledBeforeGeneration(t *testing.T) {
	calls := 0
	m := &model{
		refs: 1,
		generate: func(string, int, float32) *sherpa.GeneratedAudio {
			calls++
			return nil
		},
	}
	s := &Service{
		models:  map[string]*model{"model.onnx": m},
		voices:  map[string]voice{"sherpa:v1": {modelPath: "model.onnx"}},
		cancels: make(map[string]context.CancelFunc),
	}

	// Hold the model so the request queues behind another generation.
	m.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan backend.NativeResponse, 1)
	go func() {
		done <- s.Synthesize(ctx, backend.NativeRequest{VoiceID: "sherpa:v1", Text: "Queued.", RequestID: "r2", Speed: 1})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, running := s.cancels["r2"]
		s.mu.Unlock()
		if running {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.CancelSynthesis("r2")
	m.mu.Unlock()
	defer cancel()

	if resp := <-done; resp.ErrorCode != backend.CodeCancelled {
		t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, backend.CodeCancelled)
	}
	if calls != 0 {
		t.Errorf("Generate ran %d times for a cancelled request", calls)
	}
}
