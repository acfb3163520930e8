package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// ErrUnavailable is returned when the binary was built without audio output.
var ErrUnavailable = errors.New("audio output not available in nocgo build")

// Clip is decoded 16-bit little-endian mono PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the clip's play time.
func (c Clip) Duration() time.Duration {
	frameSize := 2 * max(c.Channels, 1)
	if c.SampleRate <= 0 {
		return 0
	}
	frames := len(c.PCM) / frameSize
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// AtRate returns the clip sped up by rate at the same sample rate, by
// linear interpolation. Pitch moves with the rate.
func (c Clip) AtRate(rate float64) Clip {
	ch := max(c.Channels, 1)
	frames := len(c.PCM) / (2 * ch)
	if rate <= 0 || rate == 1 || frames == 0 {
		return c
	}

	sample := func(frame, channel int) float64 {
		off := 2 * (frame*ch + channel)
		return float64(int16(binary.LittleEndian.Uint16(c.PCM[off:]))) //nolint:gosec
	}

	n := max(int(float64(frames)/rate), 1)
	pcm := make([]byte, 2*ch*n)
	for i := range n {
		pos := float64(i) * rate
		j := int(pos)
		frac := pos - float64(j)
		if j >= frames-1 {
			j, frac = frames-1, 0
		}
		for k := range ch {
			v := sample(j, k)
			if frac > 0 {
				v += (sample(j+1, k) - v) * frac
			}
			binary.LittleEndian.PutUint16(pcm[2*(i*ch+k):], uint16(int16(math.Round(v)))) //nolint:gosec
		}
	}
	return Clip{PCM: pcm, SampleRate: c.SampleRate, Channels: c.Channels}
}

// Sink plays clips. Play blocks until the clip finished or ctx is done.
type Sink interface {
	Play(ctx context.Context, clip Clip) error
	Close() error
}

// LoadClip decodes the WAV file at path.
func LoadClip(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return Clip{}, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}

	pcm := make([]byte, 2*len(buf.Data))
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(s))) //nolint:gosec
	}
	return Clip{
		PCM:        pcm,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}
