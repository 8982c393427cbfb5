package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Load reads the static catalog from settingsPath (or the search path below
// if empty) using viper, the way the teacher's pkg/worker/config.go loads
// its worker config: JSON/YAML file plus environment variable overrides,
// unmarshaled with mapstructure tags. A missing or malformed settings file
// is a startup configuration error, and per spec.md §6/§7 the caller is
// expected to abort the process on it rather than run with partial config.
func Load(settingsPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if settingsPath != "" {
		v.SetConfigFile(settingsPath)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kernelci-pipeline")
	}

	if envPath := os.Getenv("KCI_PIPELINE_SETTINGS"); envPath != "" {
		v.SetConfigFile(envPath)
	}

	v.SetEnvPrefix("KCI_PIPELINE")
	v.BindEnv("state_store_url")
	v.BindEnv("event_bus_url")
	v.BindEnv("blob_store_url")
	v.BindEnv("reporting_url")

	cfg := NewWithDefaults()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading settings file")
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding settings file")
	}

	if errs := Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, errors.Errorf("invalid configuration: %v", msgs)
	}

	logrus.WithField("trees", len(cfg.Trees)).WithField("jobs", len(cfg.Jobs)).Info("settings loaded")
	return cfg, nil
}

// LoadSecrets reads the secrets file the same way, kept separate from the
// static catalog so it can have tighter file permissions and never be
// logged wholesale (spec.md §6).
func LoadSecrets(secretsPath string) (*Secrets, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(secretsPath)

	var secrets Secrets
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading secrets file")
	}
	if err := v.Unmarshal(&secrets); err != nil {
		return nil, errors.Wrap(err, "decoding secrets file")
	}

	return &secrets, nil
}

// Validate returns every validation error found in cfg. Startup aborts if
// any are returned (spec.md §6: "Configuration error at startup: process
// aborts").
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.StateStoreURL == "" {
		errs = append(errs, errors.New("state_store_url is required"))
	}
	if cfg.EventBusURL == "" {
		errs = append(errs, errors.New("event_bus_url is required"))
	}

	seenTrees := make(map[string]bool)
	for _, t := range cfg.Trees {
		if t.Name == "" || t.URL == "" {
			errs = append(errs, errors.Errorf("tree %+v missing name or url", t))
			continue
		}
		seenTrees[t.Name] = true
	}

	for _, bc := range cfg.BuildConfigs {
		if !seenTrees[bc.Tree] {
			errs = append(errs, errors.Errorf("build_config references unknown tree %q", bc.Tree))
		}
	}

	seenRuntimes := make(map[string]bool)
	for _, rt := range cfg.Runtimes {
		switch rt.Driver {
		case "shell", "docker", "k8s", "lava", "pull":
		default:
			errs = append(errs, errors.Errorf("runtime %q has unknown driver %q", rt.Name, rt.Driver))
		}
		seenRuntimes[rt.Name] = true
	}

	for _, j := range cfg.Jobs {
		if j.Runtime != "" && !seenRuntimes[j.Runtime] {
			errs = append(errs, errors.Errorf("job %q references unknown runtime %q", j.Name, j.Runtime))
		}
	}

	return errs
}
