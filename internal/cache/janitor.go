package cache

import (
	"context"
	"time"
)

// StartJanitor starts the background cleanup routine. Every interval it
// prunes the store down to the configured budget and, when enabled,
// compresses idle entries. It stops when ctx is done or the store is closed.
func (s *Store) StartJanitor(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	s.cleanupWg.Add(1)

	go func() {
		defer s.cleanupWg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.performCleanup(ctx)
			case <-s.cleanupStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// performCleanup runs one janitor pass.
func (s *Store) performCleanup(ctx context.Context) {
	if s.cfg.Budget > 0 || s.cfg.MaxAge > 0 {
		budget := s.cfg.Budget
		if budget <= 0 {
			budget = -1
		}
		if _, err := s.PruneToFit(ctx, budget); err != nil {
			s.log.Warn("janitor prune failed", "error", err)
		}
	}

	if s.cfg.CompressAfter > 0 {
		if _, err := s.CompressIdle(ctx, s.cfg.CompressAfter); err != nil {
			s.log.Warn("janitor compression failed", "error", err)
		}
	}
}
