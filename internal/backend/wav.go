package backend

import (
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes 16-bit mono PCM samples to path.
func WriteWAV(path string, samples []int, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		file.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return file.Close()
}

// WriteSilence writes d of silence to path.
func WriteSilence(path string, sampleRate int, d time.Duration) error {
	n := int(int64(sampleRate) * d.Milliseconds() / 1000)
	return WriteWAV(path, make([]int, n), sampleRate)
}

// ReadWAVInfo returns the duration and sample rate of the WAV file at path.
func ReadWAVInfo(path string) (time.Duration, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d, int(dec.SampleRate), nil
}
