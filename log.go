package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/speakahead/internal/config"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, config.AppName).CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.AppName+".log"), nil
}

// setupLog points the default logger at a rotating log file. Components
// take their prefixed loggers from the default, so this runs before any of
// them are built.
func setupLog(c config.LogConfig) (func() error, error) {
	log.SetOutput(io.Discard)

	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	logFile := c.File
	if logFile == "" {
		logFile, err = getLogFilePath()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}

	w := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   true,
	}
	log.SetDefault(log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           level,
	}))
	return w.Close, nil
}
