// Command trigger runs the Trigger service (spec.md §4.1): it watches
// configured (tree, branch) sources and creates checkout Nodes as their
// tip commits advance.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernelci/kernelci-pipeline/cmd/internal/bootstrap"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
	"github.com/kernelci/kernelci-pipeline/pkg/trigger"
)

var flags bootstrap.Flags

func main() {
	root := &cobra.Command{
		Use:   "trigger",
		Short: "Watch configured trees and create checkout Nodes",
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

func newTrigger() (*trigger.Trigger, error) {
	loaded, err := bootstrap.Load(flags)
	if err != nil {
		return nil, err
	}
	s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
	return trigger.New(s, trigger.GitResolver{}, loaded.Config), nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single poll tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newTrigger()
			if err != nil {
				return err
			}
			t.Poll(cmd.Context())
			return nil
		},
	}
}

func loopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Poll on a cron schedule until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}
			s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
			t := trigger.New(s, trigger.GitResolver{}, loaded.Config)

			ctx, cancel, grace := bootstrap.Context(loaded.Config.GraceSeconds)
			defer cancel()

			c := cron.New()
			if _, err := c.AddFunc(loaded.Config.TriggerPollCron, func() { t.Poll(ctx) }); err != nil {
				return err
			}
			logrus.WithField("schedule", loaded.Config.TriggerPollCron).Info("trigger: starting poll loop")
			c.Start()

			<-ctx.Done()
			logrus.Info("trigger: shutting down, draining in-flight poll")
			drainCtx := c.Stop()
			select {
			case <-drainCtx.Done():
			case <-time.After(grace):
				logrus.Warn("trigger: grace period elapsed before drain completed")
			}
			return nil
		},
	}
}
