// Package config loads runtime configuration from the environment, with an
// optional agiraph.yaml overlay for non-secret defaults (model ids,
// timeouts, intervals). Secrets only ever come from the environment; the
// yaml file is for values a team would commit alongside the deployment.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wangtian24/agiraph/pkg/agierr"
)

// Config is the full runtime configuration.
type Config struct {
	// Secrets, environment only.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	SearchAPIKey    string `yaml:"-"`

	// DataDir is the root under which agents/{agent_id}/ trees live.
	DataDir string `yaml:"data_dir"`

	// CoordinatorModel is the default provider/model pair for new agents,
	// e.g. "anthropic/claude-sonnet-4-20250514".
	CoordinatorModel string `yaml:"coordinator_model"`

	// ContextLimits maps a model id to its context window in tokens, for
	// the executor's compaction check.
	ContextLimits map[string]int `yaml:"context_limits"`

	// MaxWorkerIterations caps a harnessed worker's ReAct loop.
	MaxWorkerIterations int `yaml:"max_worker_iterations"`

	// PollInterval is the autonomous-worker inbox/outbox bridge cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProviderTimeout bounds a single provider call; one retry on timeout.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// NativeSearchMaxUses caps server-side web searches per turn.
	NativeSearchMaxUses int `yaml:"native_search_max_uses"`

	// MaxSubprocessLifetime is the safety-net kill timer for autonomous
	// worker subprocesses.
	MaxSubprocessLifetime time.Duration `yaml:"max_subprocess_lifetime"`

	// CompactionKeepLastTurns bounds how many trailing turns survive
	// executor compaction.
	CompactionKeepLastTurns int `yaml:"compaction_keep_last_turns"`

	// ListenAddr is the HTTP/WS bind address for the server front-end.
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns a Config populated with every non-secret default.
func Defaults() Config {
	return Config{
		DataDir:                 "data",
		CoordinatorModel:        "anthropic/claude-sonnet-4-20250514",
		ContextLimits:           map[string]int{},
		MaxWorkerIterations:     50,
		PollInterval:            2 * time.Second,
		ProviderTimeout:         2 * time.Minute,
		NativeSearchMaxUses:     5,
		MaxSubprocessLifetime:   30 * time.Minute,
		CompactionKeepLastTurns: 6,
		ListenAddr:              ":8420",
	}
}

// Load builds the effective configuration: defaults, overlaid by yamlPath
// if it exists, overlaid by the environment. A missing yaml file is not an
// error; a malformed one is a ConfigError, fatal at startup.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, agierr.Wrap(agierr.KindConfig, "reading "+yamlPath, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, agierr.Wrap(agierr.KindConfig, "parsing "+yamlPath, err)
			}
		}
	}

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.SearchAPIKey = os.Getenv("SEARCH_API_KEY")
	if v := os.Getenv("AGIRAPH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGIRAPH_COORDINATOR_MODEL"); v != "" {
		cfg.CoordinatorModel = v
	}
	if v := os.Getenv("AGIRAPH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGIRAPH_MAX_WORKER_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, agierr.Wrap(agierr.KindConfig, "AGIRAPH_MAX_WORKER_ITERATIONS", err)
		}
		cfg.MaxWorkerIterations = n
	}
	if v := os.Getenv("AGIRAPH_NATIVE_SEARCH_MAX_USES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, agierr.Wrap(agierr.KindConfig, "AGIRAPH_NATIVE_SEARCH_MAX_USES", err)
		}
		cfg.NativeSearchMaxUses = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"AGIRAPH_POLL_INTERVAL", &cfg.PollInterval},
		{"AGIRAPH_PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"AGIRAPH_MAX_SUBPROCESS_LIFETIME", &cfg.MaxSubprocessLifetime},
	} {
		if v := os.Getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, agierr.Wrap(agierr.KindConfig, d.env, err)
			}
			*d.dst = dur
		}
	}

	return cfg, nil
}

// Validate checks that the configuration can actually start an agent with
// the configured coordinator model. Only the provider named by the model
// needs its key; a text-fallback model needs none.
func (c Config) Validate() error {
	provider, _ := SplitModel(c.CoordinatorModel)
	switch provider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return agierr.New(agierr.KindConfig, "ANTHROPIC_API_KEY is not set")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return agierr.New(agierr.KindConfig, "OPENAI_API_KEY is not set")
		}
	}
	return nil
}

// ContextLimit returns the context window for model, or a conservative
// default when the model is not listed.
func (c Config) ContextLimit(model string) int {
	if n, ok := c.ContextLimits[model]; ok {
		return n
	}
	return 200_000
}

// SplitModel splits a "provider/model" pair. A bare model id with no slash
// is treated as the text-fallback provider.
func SplitModel(pair string) (provider, model string) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			return pair[:i], pair[i+1:]
		}
	}
	return "text", pair
}
