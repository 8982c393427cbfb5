// Command reconciler runs the Timeout/Holdoff reconciler (spec.md §4.6):
// a periodic sweep that times out stale running Nodes and closes
// available Nodes whose holdoff has elapsed and whose children are done.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernelci/kernelci-pipeline/cmd/internal/bootstrap"
	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/reconciler"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

var flags bootstrap.Flags

func main() {
	root := &cobra.Command{
		Use:   "reconciler",
		Short: "Sweep the State Store for timed-out and closeable Nodes",
	}
	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to the settings YAML file")
	root.PersistentFlags().StringVar(&flags.SecretsPath, "secrets", "", "path to the secrets YAML file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "logrus level")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "optional file to additionally log warnings/errors to")

	root.AddCommand(runCmd(), loopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newReconciler(loaded *bootstrap.Loaded) *reconciler.Reconciler {
	s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
	agg := aggregator.New(s, loaded.Config)
	return reconciler.New(s, agg)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}
			return newReconciler(loaded).Sweep(cmd.Context())
		},
	}
}

func loopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Sweep on a cron schedule until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}
			r := newReconciler(loaded)

			ctx, cancel, grace := bootstrap.Context(loaded.Config.GraceSeconds)
			defer cancel()

			c := cron.New()
			if _, err := c.AddFunc(loaded.Config.ReconcilerSweepCron, func() {
				if err := r.Sweep(ctx); err != nil {
					logrus.WithError(err).Warn("reconciler: sweep failed, will retry next tick")
				}
			}); err != nil {
				return err
			}
			logrus.WithField("schedule", loaded.Config.ReconcilerSweepCron).Info("reconciler: starting sweep loop")
			c.Start()

			<-ctx.Done()
			logrus.Info("reconciler: shutting down, draining in-flight sweep")
			drainCtx := c.Stop()
			select {
			case <-drainCtx.Done():
			case <-time.After(grace):
				logrus.Warn("reconciler: grace period elapsed before drain completed")
			}
			return nil
		},
	}
}
