// Command forwarder runs the Result forwarder (spec.md §4.8): batch plus
// event-driven delivery of terminal Nodes to the downstream reporting
// sink.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernelci/kernelci-pipeline/cmd/internal/bootstrap"
	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/forwarder"
	"github.com/kernelci/kernelci-pipeline/pkg/metrics"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

var flags bootstrap.Flags

func main() {
	root := &cobra.Command{
		Use:   "forwarder",
		Short: "Forward terminal Nodes to the downstream reporting sink",
	}
	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to the settings YAML file")
	root.PersistentFlags().StringVar(&flags.SecretsPath, "secrets", "", "path to the secrets YAML file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "logrus level")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "optional file to additionally log warnings/errors to")

	root.AddCommand(loopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Run the batch sweep on a cron schedule and forward events as they arrive, until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}

			s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
			sink := forwarder.NewHTTPSink(loaded.Config.ReportingURL, loaded.Secrets.ReportingToken)
			analyzer := forwarder.NewRegexLogAnalyzer()
			reg := prometheus.NewRegistry()
			m := metrics.New(reg, "forwarder")
			f := forwarder.New(s, sink, analyzer, m)

			eventBus := bus.NewInProcess()
			ctx, cancel, grace := bootstrap.Context(loaded.Config.GraceSeconds)
			defer cancel()

			events, err := eventBus.Subscribe(ctx, bus.Topic)
			if err != nil {
				return err
			}

			c := cron.New()
			if _, err := c.AddFunc(loaded.Config.ForwarderBatchCron, func() {
				if err := f.BatchSweep(ctx); err != nil {
					logrus.WithError(err).Warn("forwarder: batch sweep failed, will retry next tick")
				}
			}); err != nil {
				return err
			}
			logrus.WithField("schedule", loaded.Config.ForwarderBatchCron).Info("forwarder: starting batch sweep loop")
			c.Start()

			logrus.Info("forwarder: waiting for terminal node events")
			for {
				select {
				case <-ctx.Done():
					logrus.Info("forwarder: shutting down")
					drainCtx := c.Stop()
					select {
					case <-drainCtx.Done():
					case <-time.After(grace):
						logrus.Warn("forwarder: grace period elapsed before drain completed")
					}
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					f.HandleEvent(ctx, ev)
				}
			}
		},
	}
}
