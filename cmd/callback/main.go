// Command callback runs the Callback ingestor (spec.md §4.5), mounting
// both the lab-facing asynchronous result sink and pkg/api's user-facing
// checkout/jobretry/patchset routes on a single HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernelci/kernelci-pipeline/cmd/internal/bootstrap"
	"github.com/kernelci/kernelci-pipeline/pkg/aggregator"
	"github.com/kernelci/kernelci-pipeline/pkg/api"
	"github.com/kernelci/kernelci-pipeline/pkg/auth"
	"github.com/kernelci/kernelci-pipeline/pkg/callback"
	"github.com/kernelci/kernelci-pipeline/pkg/metrics"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
	"github.com/kernelci/kernelci-pipeline/pkg/trigger"
)

var flags bootstrap.Flags

func main() {
	root := &cobra.Command{
		Use:   "callback",
		Short: "Serve lab callbacks and the user-facing checkout/jobretry/patchset API",
	}
	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to the settings YAML file")
	root.PersistentFlags().StringVar(&flags.SecretsPath, "secrets", "", "path to the secrets YAML file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "logrus level")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "optional file to additionally log warnings/errors to")

	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve HTTP until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}

			s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
			agg := aggregator.New(s, loaded.Config)
			reg := prometheus.NewRegistry()
			m := metrics.New(reg, "callback")

			authenticator := auth.NewCallbackAuthenticator(loaded.Secrets.RuntimeTokens)
			callbackHandler := callback.NewHandler(s, authenticator, agg, m)

			issuer := auth.NewTokenIssuer(loaded.Secrets.UserTokenSigningSecret)
			tr := trigger.New(s, trigger.GitResolver{}, loaded.Config)
			apiHandler := api.NewHandler(s, tr, issuer)

			mux := http.NewServeMux()
			mux.Handle("/callback/", callbackHandler)
			mux.Handle("/api/", apiHandler)
			mux.Handle("/metrics", metrics.Handler(reg))

			srv := &http.Server{Addr: loaded.Config.CallbackBindAddr, Handler: mux}

			ctx, cancel, grace := bootstrap.Context(loaded.Config.GraceSeconds)
			defer cancel()

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Warn("callback: error during graceful shutdown")
				}
			}()

			logrus.WithField("addr", loaded.Config.CallbackBindAddr).Info("callback: serving")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}
