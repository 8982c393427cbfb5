// Package bootstrap is the common startup sequence shared by every
// cmd/ service binary: load the static catalog and secrets file, wire
// logging, and hand back a context that is cancelled on SIGINT/SIGTERM so
// each service can drain in-flight work before exiting (spec.md §5).
package bootstrap

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/errlog"
)

// Flags carries the handful of persistent flags every service binary
// exposes, named after the teacher's RootCmd persistent flag set.
type Flags struct {
	SettingsPath string
	SecretsPath  string
	LogLevel     string
	LogFile      string
}

// Loaded bundles the two files every service needs at startup.
type Loaded struct {
	Config  *config.Config
	Secrets *config.Secrets
}

// Load reads the settings and secrets files and configures logging. A
// configuration error here is fatal: spec.md §6/§7 call for the process
// to abort at startup rather than run with partial config.
func Load(f Flags) (*Loaded, error) {
	if err := errlog.SetLevel(orDefault(f.LogLevel, "info")); err != nil {
		return nil, errors.Wrap(err, "bootstrap: invalid log level")
	}
	if err := errlog.AddFileSink(f.LogFile); err != nil {
		return nil, errors.Wrap(err, "bootstrap: configuring file sink")
	}

	cfg, err := config.Load(f.SettingsPath)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap: loading settings")
	}

	var secrets *config.Secrets
	if f.SecretsPath != "" {
		secrets, err = config.LoadSecrets(f.SecretsPath)
		if err != nil {
			return nil, errors.Wrap(err, "bootstrap: loading secrets")
		}
	} else {
		secrets = &config.Secrets{}
	}

	return &Loaded{Config: cfg, Secrets: secrets}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Context returns a context cancelled on SIGINT/SIGTERM, the function that
// stops that signal handling, and the drain grace period (graceSeconds, or
// 30s when graceSeconds is not positive) for the bounded drain window of
// spec.md §5.
func Context(graceSeconds int) (context.Context, context.CancelFunc, time.Duration) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	grace := time.Duration(graceSeconds) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return ctx, cancel, grace
}
