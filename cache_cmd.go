package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/speakahead/internal/app"
	"github.com/dgnsrekt/speakahead/internal/cache"
)

var (
	pruneBudget string
	compactIdle time.Duration

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the audio cache",
		Args:  cobra.NoArgs,
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and entry counts",
		Args:  cobra.NoArgs,
		RunE: withStore(func(_ context.Context, s *cache.Store) error {
			st := s.Stats()
			fmt.Println(styled(headerStyle, "Cache"), s.Dir())
			fmt.Printf("  entries:    %d (%d compressed)\n", st.Entries, st.Compressed)
			fmt.Printf("  size:       %s\n", humanize.IBytes(uint64(st.Bytes))) //nolint:gosec
			fmt.Printf("  policy:     %s\n", s.RatePolicy())
			if budget, err := cfg.BudgetBytes(); err == nil && budget > 0 {
				fmt.Printf("  budget:     %s (%.0f%% used)\n",
					humanize.IBytes(uint64(budget)), float64(st.Bytes)/float64(budget)*100) //nolint:gosec
			}
			return nil
		}),
	}

	cachePruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Evict least recently used entries until the cache fits its budget",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s *cache.Store) error {
			budget, err := cfg.BudgetBytes()
			if err != nil {
				return err
			}
			if pruneBudget != "" {
				n, err := humanize.ParseBytes(pruneBudget)
				if err != nil {
					return fmt.Errorf("invalid budget: %w", err)
				}
				budget = int64(n) //nolint:gosec
			}
			evicted, err := s.PruneToFit(ctx, budget)
			if err != nil {
				return err
			}
			fmt.Printf("Evicted %d entries, %s remain\n", evicted, humanize.IBytes(uint64(s.Stats().Bytes))) //nolint:gosec
			return nil
		}),
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached segment",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s *cache.Store) error {
			n := s.Stats().Entries
			if err := s.Clear(ctx); err != nil {
				return err
			}
			fmt.Printf("Removed %d entries\n", n)
			return nil
		}),
	}

	cacheCompactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Compress entries that have been idle",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s *cache.Store) error {
			before := s.Stats().Bytes
			n, err := s.CompressIdle(ctx, compactIdle)
			if err != nil {
				return err
			}
			after := s.Stats().Bytes
			fmt.Printf("Compressed %d entries, saved %s\n", n, humanize.IBytes(uint64(max(before-after, 0)))) //nolint:gosec
			return nil
		}),
	}

	cacheInvalidateCmd = &cobra.Command{
		Use:   "invalidate VOICE",
		Short: "Drop every cached segment of a voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s *cache.Store) error {
				n, err := s.InvalidateVoice(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d entries for %s\n", n, args[0])
				return nil
			})(cmd, args)
		},
	}
)

// withStore opens the cache for the duration of fn.
func withStore(fn func(ctx context.Context, s *cache.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := app.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return fn(ctx, s)
	}
}

func init() {
	cachePruneCmd.Flags().StringVar(&pruneBudget, "budget", "", "budget to prune to, e.g. 100MB (default cache.budget)")
	cacheCompactCmd.Flags().DurationVar(&compactIdle, "idle", 0, "only compress entries unused for this long")

	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheClearCmd, cacheCompactCmd, cacheInvalidateCmd)
}
