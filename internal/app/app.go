// Package app assembles a running pipeline from configuration: it builds
// backend shells from the voice manifest, opens the cache and attaches
// metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/speakahead/internal/backend"
	"github.com/dgnsrekt/speakahead/internal/backend/mock"
	"github.com/dgnsrekt/speakahead/internal/backend/piper"
	"github.com/dgnsrekt/speakahead/internal/backend/sherpa"
	"github.com/dgnsrekt/speakahead/internal/cache"
	"github.com/dgnsrekt/speakahead/internal/config"
	"github.com/dgnsrekt/speakahead/internal/metrics"
	"github.com/dgnsrekt/speakahead/internal/pipeline"
)

// ErrNoManifest is returned when the voice manifest does not exist.
var ErrNoManifest = errors.New("voice manifest not found")

// indexFile is the SQLite index name inside the cache directory.
const indexFile = "index.db"

// App owns every long-lived component.
type App struct {
	Config   config.Config
	Pipeline *pipeline.Pipeline
	Registry *backend.Registry
	Shells   []*backend.Shell
	Metrics  *metrics.Metrics

	log *log.Logger
}

// New builds an App from cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	manifest, err := backend.LoadManifest(cfg.Backends.Manifest)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoManifest, cfg.Backends.Manifest)
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return NewWithManifest(ctx, cfg, manifest)
}

// NewWithManifest builds an App from cfg over an already loaded manifest.
func NewWithManifest(ctx context.Context, cfg config.Config, manifest backend.Manifest) (*App, error) {
	shells, err := BuildShells(manifest)
	if err != nil {
		return nil, err
	}
	adapters := make([]backend.Adapter, len(shells))
	for i, s := range shells {
		adapters[i] = s
	}
	registry, err := backend.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Pipeline: pipeline.New(store, registry, cfg.ToPipelineConfig()),
		Registry: registry,
		Shells:   shells,
		log:      log.WithPrefix("app"),
	}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		a.Pipeline.SetObserver(a.Metrics)
	}
	a.log.Debug("ready", "backends", len(shells), "voices", len(a.Pipeline.Voices()), "cache", cfg.Cache.Dir)
	return a, nil
}

// OpenStore opens the audio cache with the configured index.
func OpenStore(ctx context.Context, cfg config.Config) (*cache.Store, error) {
	cc, err := cfg.ToCacheConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cc.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	var index cache.Index
	switch cfg.Cache.Index {
	case config.IndexMemory:
		index = cache.NewMemoryIndex()
	default:
		idx, err := cache.OpenSQLiteIndex(ctx, filepath.Join(cc.Dir, indexFile))
		if err != nil {
			return nil, fmt.Errorf("open cache index: %w", err)
		}
		index = idx
	}

	store, err := cache.Open(ctx, cc, index)
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	return store, nil
}

// BuildShells creates one shell per manifest backend.
func BuildShells(m backend.Manifest) ([]*backend.Shell, error) {
	shells := make([]*backend.Shell, 0, len(m.Backends))
	for _, spec := range m.Backends {
		s, err := BuildShell(spec)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", spec.Type, err)
		}
		shells = append(shells, s)
	}
	return shells, nil
}

// BuildShell creates the shell for one manifest entry.
func BuildShell(spec backend.BackendSpec) (*backend.Shell, error) {
	cfg := spec.ShellConfig()

	switch spec.Type {
	case "piper":
		pc := piper.Config{Binary: spec.Options["binary"]}
		if v := spec.Options["grace_period"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("grace_period: %w", err)
			}
			pc.GracePeriod = d
		}
		cfg.NewNative = func() (backend.NativeService, error) {
			return piper.New(pc), nil
		}
	case "sherpa":
		sc := sherpa.FromOptions(spec.Options)
		cfg.NewNative = func() (backend.NativeService, error) {
			return sherpa.New(sc)
		}
	case "mock":
		var opts []mock.Option
		if v := spec.Options["delay"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("delay: %w", err)
			}
			opts = append(opts, mock.WithDelay(d))
		}
		if v := spec.Options["sample_rate"]; v != "" {
			rate, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("sample_rate: %w", err)
			}
			opts = append(opts, mock.WithSampleRate(rate))
		}
		cfg.NewNative = func() (backend.NativeService, error) {
			return mock.New(opts...), nil
		}
	default:
		return nil, fmt.Errorf("unknown backend type %q", spec.Type)
	}

	native, err := cfg.NewNative()
	if err != nil {
		return nil, err
	}
	return backend.NewShell(cfg, native), nil
}

// Watch follows every core directory until ctx is done, so cores that an
// installer finishes while running become usable.
func (a *App) Watch(ctx context.Context) {
	for _, s := range a.Shells {
		if s.CorePath() == "" {
			continue
		}
		go func() {
			if err := backend.WatchCore(ctx, s); err != nil && ctx.Err() == nil {
				a.log.Warn("core watch stopped", "backend", s.Type(), "err", err)
			}
		}()
	}
}

// Close writes the metrics textfile, when configured, and releases the
// pipeline.
func (a *App) Close() error {
	var errs []error
	if a.Metrics != nil && a.Config.Metrics.Textfile != "" {
		if err := a.Metrics.WriteTextfile(a.Config.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := a.Pipeline.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
