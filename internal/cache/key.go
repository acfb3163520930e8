package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// RatePolicy decides whether the playback rate is applied at synthesis
// time or at playback time.
type RatePolicy string

const (
	// RatePolicyPlayback synthesizes at normal speed and leaves the rate to
	// the player, so one file serves every playback rate.
	RatePolicyPlayback RatePolicy = "playback"

	// RatePolicySynthesis passes the rate to the backend, so each rate is a
	// distinct artifact.
	RatePolicySynthesis RatePolicy = "synthesis"
)

// ParseRatePolicy parses a policy name.
func ParseRatePolicy(s string) (RatePolicy, error) {
	switch RatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case RatePolicyPlayback, "":
		return RatePolicyPlayback, nil
	case RatePolicySynthesis:
		return RatePolicySynthesis, nil
	default:
		return "", fmt.Errorf("unknown rate policy %q", s)
	}
}

// SynthesisRate returns the speed the backend should be asked for.
func (p RatePolicy) SynthesisRate(rate float64) float64 {
	if p == RatePolicySynthesis {
		return rate
	}
	return 1.0
}

// KeyFor generates the cache key for a segment. The policy in force is part
// of the hashed material, so keys minted under different policies never
// collide.
func KeyFor(policy RatePolicy, voiceID, text string, rate float64) Key {
	rateToken := "playback"
	if policy == RatePolicySynthesis {
		rateToken = fmt.Sprintf("synthesis:%.2f", rate)
	}

	h := sha256.New()
	h.Write([]byte(voiceID))
	h.Write([]byte{0})
	h.Write([]byte(synth.NormalizeText(text)))
	h.Write([]byte{0})
	h.Write([]byte(rateToken))
	return Key(hex.EncodeToString(h.Sum(nil)))
}
