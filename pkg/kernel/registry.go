package kernel

import (
	"context"
	"path/filepath"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/wangtian24/agiraph/internal/config"
	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/coordinator"
	"github.com/wangtian24/agiraph/pkg/provider"
	"github.com/wangtian24/agiraph/pkg/telemetry"
	"github.com/wangtian24/agiraph/pkg/trigger"
)

// Registry is the process-wide map of live agents plus the shared trigger
// scheduler handle — the single global mutable object in the runtime, all
// mutation under its own lock.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent

	cfg        config.Config
	tel        telemetry.Bundle
	sched      *trigger.Scheduler
	adapterFor AdapterFactory
}

// NewRegistry builds the registry and its trigger scheduler. adapterFor may
// be nil, in which case the default SDK-backed factory is used.
func NewRegistry(cfg config.Config, tel telemetry.Bundle, adapterFor AdapterFactory) *Registry {
	if adapterFor == nil {
		adapterFor = DefaultAdapterFactory(cfg)
	}
	if tel.Log == nil {
		tel = telemetry.Noop()
	}
	sched := trigger.NewScheduler(func(agentID string) string {
		return filepath.Join(cfg.DataDir, "agents", agentID, "triggers.json")
	}, tel.Log)
	return &Registry{
		agents:     make(map[string]*Agent),
		cfg:        cfg,
		tel:        tel,
		sched:      sched,
		adapterFor: adapterFor,
	}
}

// Start creates and launches a new agent with the given goal. An empty
// modelPair falls back to the configured coordinator model.
func (r *Registry) Start(ctx context.Context, goal string, mode coordinator.Mode, modelPair string) (*Agent, error) {
	if modelPair == "" {
		modelPair = r.cfg.CoordinatorModel
	}
	if mode == "" {
		mode = coordinator.ModeFinite
	}
	id := uuid.NewString()

	a, err := newAgent(r.cfg, r.tel, r.sched, r.adapterFor, id, goal, mode, modelPair)
	if err != nil {
		return nil, err
	}
	if err := a.start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[id] = a
	r.mu.Unlock()

	r.tel.Log.Info(ctx, "agent started", "agent_id", id, "mode", string(mode))
	return a, nil
}

// Get returns the live agent with id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns a summary for every live agent.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Summary())
	}
	return out
}

// Stop performs the cooperative stop on one agent.
func (r *Registry) Stop(ctx context.Context, id string) error {
	a, ok := r.Get(id)
	if !ok {
		return agierr.Newf(agierr.KindToolError, "unknown agent %q", id)
	}
	a.Stop(ctx)
	return nil
}

// Delete stops and removes an agent, including its on-disk home.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()
	if !ok {
		return agierr.Newf(agierr.KindToolError, "unknown agent %q", id)
	}
	return a.Delete(ctx)
}

// Close tears down every live agent's goroutines without deleting their
// on-disk state. Called at server shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()

	for _, a := range agents {
		if a.cancel != nil {
			a.cancel()
		}
		a.Pool.StopAll()
		a.Pool.Wait()
		r.sched.UnregisterAgent(a.ID)
		_ = a.Log.Close()
	}
}

// anthropicMessages adapts the SDK's variadic MessageService.New to the
// adapter's narrow MessagesClient contract.
type anthropicMessages struct{ svc *sdk.MessageService }

func (m anthropicMessages) New(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error) {
	return m.svc.New(ctx, body)
}

// DefaultAdapterFactory builds real SDK-backed adapters from the configured
// API keys. Any other provider, including the text fallback (which needs a
// completer this factory does not have), is a ConfigError, so a typo in a
// model pair fails loudly at agent start rather than at first turn.
func DefaultAdapterFactory(cfg config.Config) AdapterFactory {
	return func(providerName, modelID string) (provider.Adapter, error) {
		switch providerName {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				return nil, agierr.New(agierr.KindConfig, "ANTHROPIC_API_KEY is not set")
			}
			client := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
			return provider.NewAnthropic(anthropicMessages{svc: &client.Messages}, provider.AnthropicOptions{
				DefaultModel:        modelID,
				MaxTokens:           8192,
				NativeSearch:        true,
				NativeSearchMaxUses: cfg.NativeSearchMaxUses,
			}), nil
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				return nil, agierr.New(agierr.KindConfig, "OPENAI_API_KEY is not set")
			}
			return provider.NewOpenAI(openai.NewClient(cfg.OpenAIAPIKey), provider.OpenAIOptions{
				DefaultModel: modelID,
			}), nil
		default:
			return nil, agierr.Newf(agierr.KindConfig, "no adapter for provider %q", providerName)
		}
	}
}
