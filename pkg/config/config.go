// Package config loads the engine's static catalog (trees, build configs,
// platforms, runtimes, jobs, scheduler entries) and secrets file (spec.md
// §6) at startup. Every long-running service is constructed with an
// explicit Config value; there are no process-wide mutable config
// singletons (spec.md §9).
package config

// NOTE: viper uses "mapstructure" as its serialization tag, not "json".
// Fields are double-tagged the way the teacher's pkg/config/config.go does,
// so the same struct can also be marshaled for debugging/logging.

// Tree is a configured upstream source repository.
type Tree struct {
	Name   string `json:"name" mapstructure:"name"`
	URL    string `json:"url" mapstructure:"url"`
}

// BuildConfig pairs a Tree with a branch the Trigger should watch, plus the
// frequency gate for automatic checkouts (spec.md §4.1).
type BuildConfig struct {
	Tree      string `json:"tree" mapstructure:"tree"`
	Branch    string `json:"branch" mapstructure:"branch"`
	Frequency string `json:"frequency" mapstructure:"frequency"`
}

// Platform describes a test target's attributes, merged into a dispatched
// child Node's data alongside the parent's revision/arch/compiler
// (spec.md §4.3).
type Platform struct {
	Name    string            `json:"name" mapstructure:"name"`
	Arch    string            `json:"arch" mapstructure:"arch"`
	Runtime string            `json:"runtime" mapstructure:"runtime"`
	Labels  map[string]string `json:"labels" mapstructure:"labels"`
}

// RuntimeConfig configures a single Runtime adapter instance: which driver
// it uses and its bounded concurrency pool size (spec.md §4.4, §5).
type RuntimeConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	Driver      string `json:"driver" mapstructure:"driver"` // shell|docker|k8s|lava|pull
	Concurrency int    `json:"concurrency" mapstructure:"concurrency"`

	// Kubernetes driver settings.
	Namespace  string `json:"namespace" mapstructure:"namespace"`
	Kubeconfig string `json:"kubeconfig" mapstructure:"kubeconfig"`

	// Container image for the k8s driver's runner container. The docker
	// driver does not read it: it takes the image from the job's
	// params["image"].
	Image string `json:"image" mapstructure:"image"`

	// LAVA driver settings.
	LabURL               string `json:"lab_url" mapstructure:"lab_url"`
	CallbackDescription  string `json:"callback_description" mapstructure:"callback_description"`
}

// Rule is the per-job-definition predicate of spec.md §4.3.
type Rule struct {
	Tree       []string `json:"tree" mapstructure:"tree"`
	Branch     []string `json:"branch" mapstructure:"branch"`
	MinVersion string   `json:"min_version" mapstructure:"min_version"`
	MaxVersion string   `json:"max_version" mapstructure:"max_version"`
	Arch       []string `json:"arch" mapstructure:"arch"`
	Defconfig  []string `json:"defconfig" mapstructure:"defconfig"`
	Fragments  []string `json:"fragments" mapstructure:"fragments"`
	Frequency  string   `json:"frequency" mapstructure:"frequency"`
}

// Job is a job definition: what template to render, which runtime and
// platform(s) it targets, and the rule predicate gating its eligibility.
type Job struct {
	Name      string   `json:"name" mapstructure:"name"`
	Kind      string   `json:"kind" mapstructure:"kind"` // kbuild|job|test
	Runtime   string   `json:"runtime" mapstructure:"runtime"`
	Platforms []string `json:"platforms" mapstructure:"platforms"`
	Template  string   `json:"template" mapstructure:"template"`
	Params    map[string]string `json:"params" mapstructure:"params"`
	Rules     Rule     `json:"rules" mapstructure:"rules"`
}

// SchedulerEntry pairs an event pattern with the set of job names it may
// trigger (spec.md §4.3).
type SchedulerEntry struct {
	Event struct {
		Channel string `json:"channel" mapstructure:"channel"`
		Name    string `json:"name" mapstructure:"name"`
		Kind    string `json:"kind" mapstructure:"kind"`
		Result  string `json:"result" mapstructure:"result"`
		State   string `json:"state" mapstructure:"state"`
	} `json:"event" mapstructure:"event"`
	Jobs []string `json:"jobs" mapstructure:"jobs"`
}

// AggregationConfig holds settings for the engine's internal aggregation
// knobs (holdoff default, timeout default), named after the teacher's
// plugin.AggregationConfig.
type AggregationConfig struct {
	DefaultHoldoff string `json:"default_holdoff" mapstructure:"default_holdoff"`
	DefaultTimeout string `json:"default_timeout" mapstructure:"default_timeout"`
}

// Config is the full static catalog loaded at startup.
type Config struct {
	StateStoreURL string `json:"state_store_url" mapstructure:"state_store_url"`
	EventBusURL   string `json:"event_bus_url" mapstructure:"event_bus_url"`
	BlobStoreURL  string `json:"blob_store_url" mapstructure:"blob_store_url"`
	ReportingURL  string `json:"reporting_url" mapstructure:"reporting_url"`

	Trees        []Tree          `json:"trees" mapstructure:"trees"`
	BuildConfigs []BuildConfig   `json:"build_configs" mapstructure:"build_configs"`
	Platforms    []Platform      `json:"platforms" mapstructure:"platforms"`
	Runtimes     []RuntimeConfig `json:"runtimes" mapstructure:"runtimes"`
	Jobs         []Job           `json:"jobs" mapstructure:"jobs"`
	Scheduler    []SchedulerEntry `json:"scheduler" mapstructure:"scheduler"`

	Aggregation AggregationConfig `json:"aggregation" mapstructure:"aggregation"`

	MetricsBindAddr  string `json:"metrics_bind_addr" mapstructure:"metrics_bind_addr"`
	CallbackBindAddr string `json:"callback_bind_addr" mapstructure:"callback_bind_addr"`

	// GraceSeconds is how long services wait for outstanding submissions
	// to drain on SIGINT/SIGTERM before exiting (spec.md §5, default 30s).
	GraceSeconds int `json:"grace_seconds" mapstructure:"grace_seconds"`

	// TriggerPollCron and ReconcilerSweepCron are cron expressions (as
	// accepted by robfig/cron/v3) governing the `loop` subcommand's tick
	// cadence for the Trigger and the Timeout/Holdoff reconciler.
	TriggerPollCron     string `json:"trigger_poll_cron" mapstructure:"trigger_poll_cron"`
	ReconcilerSweepCron string `json:"reconciler_sweep_cron" mapstructure:"reconciler_sweep_cron"`

	// ForwarderBatchCron governs the Result forwarder's batch sweep
	// cadence (spec.md §4.8's "periodically" batch leg).
	ForwarderBatchCron string `json:"forwarder_batch_cron" mapstructure:"forwarder_batch_cron"`
}

// Secrets is the separate secrets file of spec.md §6: per-runtime
// callback tokens, forwarding-sink credentials, and the signing secret for
// user-facing bearer tokens.
type Secrets struct {
	// RuntimeTokens maps a runtime name to the shared secret its callbacks
	// must present in the Authorization header (spec.md §4.5). The map
	// value is the secret (never logged). CallbackTokenDescriptions is
	// loaded but not read by any service: the public description embedded
	// in an outgoing LAVA job comes from RuntimeConfig.CallbackDescription.
	RuntimeTokens               map[string]string `json:"runtime_tokens" mapstructure:"runtime_tokens"`
	CallbackTokenDescriptions   map[string]string `json:"callback_token_descriptions" mapstructure:"callback_token_descriptions"`

	ReportingToken string `json:"reporting_token" mapstructure:"reporting_token"`

	// UserTokenSigningSecret signs the bearer tokens accepted by
	// api/checkout, api/jobretry, api/patchset (spec.md §4.5).
	UserTokenSigningSecret string `json:"user_token_signing_secret" mapstructure:"user_token_signing_secret"`

	StateStoreToken string `json:"state_store_token" mapstructure:"state_store_token"`
	BlobStoreToken  string `json:"blob_store_token" mapstructure:"blob_store_token"`
}

// FindJob returns the job definition named name, if any.
func (cfg *Config) FindJob(name string) (Job, bool) {
	for _, j := range cfg.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// FindRuntime returns the runtime configuration named name, if any.
func (cfg *Config) FindRuntime(name string) (RuntimeConfig, bool) {
	for _, r := range cfg.Runtimes {
		if r.Name == name {
			return r, true
		}
	}
	return RuntimeConfig{}, false
}

// FindPlatform returns the platform configuration named name, if any.
func (cfg *Config) FindPlatform(name string) (Platform, bool) {
	for _, p := range cfg.Platforms {
		if p.Name == name {
			return p, true
		}
	}
	return Platform{}, false
}

// NewWithDefaults returns a Config with the same kind of sane defaults the
// teacher's config.NewWithDefaults applies, before a settings file is
// loaded on top of it.
func NewWithDefaults() *Config {
	return &Config{
		MetricsBindAddr:     "0.0.0.0:9090",
		CallbackBindAddr:    "0.0.0.0:8080",
		GraceSeconds:        30,
		TriggerPollCron:     "@every 1m",
		ReconcilerSweepCron: "@every 30s",
		ForwarderBatchCron:  "@every 5m",
		Aggregation: AggregationConfig{
			DefaultHoldoff: "10m",
			DefaultTimeout: "6h",
		},
	}
}
