//go:build nocgo

package sherpa

import "github.com/dgnsrekt/speakahead/internal/backend"

// New reports that sherpa is unavailable in nocgo builds.
func New(cfg Config) (backend.NativeService, error) {
	return nil, ErrUnavailable
}
