// Command scheduler runs the Scheduler service (spec.md §4.3): matches
// incoming Node events against scheduler entries, evaluates each
// candidate job's rule predicate, and dispatches eligible children to
// their configured Runtime adapter.
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	corev1 "k8s.io/api/core/v1"

	"github.com/kernelci/kernelci-pipeline/cmd/internal/bootstrap"
	"github.com/kernelci/kernelci-pipeline/pkg/blob"
	"github.com/kernelci/kernelci-pipeline/pkg/bus"
	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime/docker"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime/k8s"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime/lava"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime/pull"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime/shell"
	"github.com/kernelci/kernelci-pipeline/pkg/scheduler"
	"github.com/kernelci/kernelci-pipeline/pkg/store"
)

var (
	flags    bootstrap.Flags
	workRoot string
)

func main() {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "Dispatch eligible jobs to their configured Runtime adapters",
	}
	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to the settings YAML file")
	root.PersistentFlags().StringVar(&flags.SecretsPath, "secrets", "", "path to the secrets YAML file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "logrus level")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "optional file to additionally log warnings/errors to")
	root.PersistentFlags().StringVar(&workRoot, "work-root", "/var/lib/kernelci-pipeline/scheduler", "scratch directory for shell/docker job logs")

	root.AddCommand(loopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// renderCommand renders a job's shell command line from its Template
// (a text/template string) against its Params. The actual template
// engine is an external collaborator per spec.md §9; this is the minimal
// glue this binary needs to turn a rendered line into argv.
func renderCommand(job runtime.Job) (string, []string) {
	tmpl, err := template.New(job.Definition.Name).Parse(job.Definition.Template)
	if err != nil {
		logrus.WithError(err).WithField("job", job.Definition.Name).Error("scheduler: invalid job template")
		return "", nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, job.Params); err != nil {
		logrus.WithError(err).WithField("job", job.Definition.Name).Error("scheduler: rendering job template")
		return "", nil
	}

	fields := strings.Fields(buf.String())
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func kubeClient(kubeconfigPath string) (kubernetes.Interface, error) {
	if kubeconfigPath == "" {
		kubeconfigPath = locateKubeconfig()
	}
	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "scheduler: building kubeconfig")
	}
	return kubernetes.NewForConfig(restConfig)
}

func locateKubeconfig() string {
	if kc := os.Getenv("KUBECONFIG"); kc != "" {
		return kc
	}
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return filepath.Join(u.HomeDir, ".kube", "config")
}

// buildDispatchers constructs one runtime.Pool per configured runtime,
// backed by the driver its RuntimeConfig.Driver names.
func buildDispatchers(cfg *config.Config, secrets *config.Secrets, s store.Client, b blob.Store, callbackBaseURL string) (map[string]scheduler.Dispatcher, error) {
	dispatchers := make(map[string]scheduler.Dispatcher)

	for _, rc := range cfg.Runtimes {
		var adapter runtime.Adapter

		switch rc.Driver {
		case "shell":
			adapter = shell.New(b, workRoot, renderCommand)
		case "docker":
			adapter = docker.New(b, workRoot, func(job runtime.Job) []string {
				name, args := renderCommand(job)
				if name == "" {
					return nil
				}
				return append([]string{name}, args...)
			})
		case "k8s":
			client, err := kubeClient(rc.Kubeconfig)
			if err != nil {
				return nil, errors.Wrapf(err, "runtime %q", rc.Name)
			}
			adapter = k8s.New(client, rc.Namespace, func(job runtime.Job) (corev1.PodSpec, error) {
				name, args := renderCommand(job)
				if name == "" {
					return corev1.PodSpec{}, errors.Errorf("job %q has no renderable command", job.Definition.Name)
				}
				return corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:    "runner",
						Image:   rc.Image,
						Command: append([]string{name}, args...),
					}},
				}, nil
			})
		case "lava":
			adapter = lava.New(rc.LabURL, callbackBaseURL+"/callback/"+rc.Name, rc.CallbackDescription, secrets.RuntimeTokens[rc.Name])
		case "pull":
			adapter = pull.New(b)
		default:
			return nil, errors.Errorf("runtime %q: unknown driver %q", rc.Name, rc.Driver)
		}

		dispatchers[rc.Name] = runtime.NewPool(rc.Name, adapter, s)
	}

	return dispatchers, nil
}

func loopCmd() *cobra.Command {
	var callbackBaseURL string
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Dispatch jobs as Node events arrive, until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := bootstrap.Load(flags)
			if err != nil {
				return err
			}

			s := store.NewHTTPClient(loaded.Config.StateStoreURL, loaded.Secrets.StateStoreToken)
			b := blob.NewHTTPStore(loaded.Config.BlobStoreURL, loaded.Secrets.BlobStoreToken)

			dispatchers, err := buildDispatchers(loaded.Config, loaded.Secrets, s, b, callbackBaseURL)
			if err != nil {
				return err
			}
			sch := scheduler.New(s, loaded.Config, dispatchers)

			eventBus := bus.NewInProcess()
			ctx, cancel, _ := bootstrap.Context(loaded.Config.GraceSeconds)
			defer cancel()

			events, err := eventBus.Subscribe(ctx, bus.Topic)
			if err != nil {
				return err
			}

			logrus.WithField("runtimes", len(dispatchers)).Info("scheduler: waiting for node events")
			for {
				select {
				case <-ctx.Done():
					logrus.Info("scheduler: shutting down")
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					n, err := s.Get(ctx, ev.ID)
					if err != nil {
						logrus.WithError(err).WithField("id", ev.ID).Warn("scheduler: couldn't fetch triggering node")
						continue
					}
					sch.HandleEvent(ctx, ev, n)
				}
			}
		},
	}
	cmd.Flags().StringVar(&callbackBaseURL, "callback-base-url", "http://localhost:8080", "this engine's own callback ingestor base URL, embedded in LAVA job callbacks")
	return cmd
}
