package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Audio cache
cache:
  # directory for synthesized audio (default: user cache dir)
  # dir: "~/.cache/speakahead/audio"
  # size budget enforced by the janitor, "0" disables pruning
  budget: "512MB"
  # entries older than this are evicted first
  max_age: "720h"
  # "playback" shares one file across playback rates, "synthesis" bakes the rate in
  rate_policy: "playback"
  # compress entries idle for this long, "0s" disables
  compress_after: "0s"
  cleanup_interval: "10m"
  # metadata index: sqlite or memory
  index: "sqlite"

# Synthesis scheduling
scheduler:
  baseline: 2
  max: 4
  max_retries: 1
  timeout: "60s"

# Buffer-driven concurrency
demand:
  cooldown: "5s"
  interval: "500ms"
  prefetch_window: 4
  max_prefetch_window: 8

# Backends allowed to keep models loaded at once
governor:
  max_resident: 1

backends:
  # voice manifest (default: voices.yml next to this file)
  # manifest: "~/.config/speakahead/voices.yml"

log:
  level: "info"
  # file: "~/.cache/speakahead/speakahead.log"
  max_size_mb: 10
  max_backups: 3

metrics:
  enabled: false
  # prometheus textfile written on exit
  # textfile: "/var/lib/node_exporter/speakahead.prom"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the speakahead config file",
	Long:    paragraph(fmt.Sprintf("\n%s the speakahead config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("speakahead config\nspeakahead config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	// The config may be invalid; that is what this command is for.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("speakahead", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
