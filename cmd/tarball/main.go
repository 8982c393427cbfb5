// Command tarball runs the Tarball service (spec.md §4.2): mirrors a
// checkout Node's (tree, branch, commit) to disk, packages it, uploads it
// to the Blob Store, and advances the checkout to available.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernelci/kernelci-pipeline/cmd/internal/bootstrap"
	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
	"github.com/kernelci/kernelci-pipeline/pkg/tarball"
)

var (
	flags    bootstrap.Flags
	workRoot string
)

func main() {
	root := &cobra.Command{
		Use:   "tarball",
		Short: "Mirror checkout revisions and publish them to the Blob Store",
	}
	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to the settings YAML file")
	root.PersistentFlags().StringVar(&flags.SecretsPath, "secrets", "", "path to the secrets YAML file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "logrus level")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "optional file to additionally log warnings/errors to")
	root.PersistentFlags().StringVar(&workRoot, "work-root", "/var/lib/kernelci-pipeline/tarball", "scratch directory for tree mirrors")

	root.AddCommand(loopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Process checkout Nodes as they're created, until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}

			s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
			b := blob.NewHTTPStore(loaded.Config.BlobStoreURL, loaded.Secrets.BlobStoreToken)
			svc := tarball.NewService(s, b, tarball.GitMirror{}, loaded.Config, workRoot)

			eventBus := bus.NewInProcess()
			ctx, cancel, _ := bootstrap.Context(loaded.Config.GraceSeconds)
			defer cancel()

			events, err := eventBus.Subscribe(ctx, bus.Topic)
			if err != nil {
				return err
			}

			logrus.Info("tarball: waiting for checkout events")
			for {
				select {
				case <-ctx.Done():
					logrus.Info("tarball: shutting down")
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if ev.Kind != node.KindCheckout || ev.State != node.StateRunning {
						continue
					}
					handleCheckout(ctx, svc, s, ev.ID)
				}
			}
		},
	}
}

func handleCheckout(ctx context.Context, svc *tarball.Service, s store.Client, id string) {
	n, err := s.Get(ctx, id)
	if err != nil {
		logrus.WithError(err).WithField("id", id).Warn("tarball: couldn't fetch checkout node")
		return
	}
	if _, err := svc.Process(ctx, n); err != nil {
		logrus.WithError(err).WithField("id", id).Error("tarball: processing checkout failed")
	}
}
