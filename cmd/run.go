// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/uplink/internal/brand"
	"grimm.is/uplink/internal/config"
	"grimm.is/uplink/internal/daemon"
	"grimm.is/uplink/internal/logging"
)

// RunOptions controls the foreground daemon.
type RunOptions struct {
	ConfigFile    string
	Debug         bool
	MetricsListen string
	NoPIDFile     bool
}

// RunDaemon runs the daemon in the foreground until SIGINT or SIGTERM.
// SIGHUP reloads the configuration.
func RunDaemon(opts RunOptions) error {
	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if opts.MetricsListen != "" {
		cfg.Metrics.Listen = opts.MetricsListen
	}

	logCfg, err := cfg.LogConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if opts.Debug {
		logCfg.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.New(logCfg))
	logger := logging.WithComponent("uplinkd")

	if !opts.NoPIDFile {
		pidFile := PIDFile()
		if err := writePIDFile(pidFile); err != nil {
			return err
		}
		defer os.Remove(pidFile)
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: configFile,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				logger.Info("Received SIGHUP, reloading configuration")
				d.Reload()
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("Starting", "version", brand.Version, "config", configFile)
	return d.Run(ctx)
}
