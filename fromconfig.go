package planmesh

import (
	"context"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/planmesh/config"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/manager"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/model"
	"github.com/hupe1980/planmesh/model/anthropic"
	"github.com/hupe1980/planmesh/model/openai"
	"github.com/hupe1980/planmesh/prompt"
	"github.com/hupe1980/planmesh/tool"
)

// BuildOptions supplies the pieces NewFromConfig cannot derive from a config
// file.
type BuildOptions struct {
	// LogOutput receives slog output. Defaults to io.Discard.
	LogOutput io.Writer

	// Registerer receives the metrics when cfg.Metrics.Enabled. Defaults to
	// the Prometheus default registerer.
	Registerer prometheus.Registerer

	// Model replaces the provider named in the config, typically a
	// *model.MockModel with scripted answers.
	Model model.Model

	// Tools are registered in addition to the builtins.
	Tools []tool.Tool
}

// NewFromConfig builds a Planmesh from a loaded configuration.
func NewFromConfig(cfg *config.Config, optFns ...func(o *BuildOptions)) (*Planmesh, error) {
	bo := BuildOptions{LogOutput: io.Discard}
	for _, fn := range optFns {
		fn(&bo)
	}

	logger, err := cfg.Logging.NewLogger(bo.LogOutput)
	if err != nil {
		return nil, err
	}

	catalog, err := prompt.DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("load default templates: %w", err)
	}

	for _, path := range cfg.Prompts.Files {
		if err := catalog.LoadFile(path); err != nil {
			return nil, err
		}
	}

	for key, constraint := range cfg.Prompts.Pins {
		if err := catalog.Pin(key, constraint); err != nil {
			return nil, err
		}
	}

	resolver, err := prompt.NewResolver(catalog, func(o *prompt.Options) {
		o.CacheSize = cfg.Prompts.CacheSize
		o.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	m := bo.Model
	if m == nil {
		m, err = NewModel(cfg.LLM)
		if err != nil {
			return nil, err
		}
	}

	invoker := model.NewInvoker(&streamSwitch{Model: m, stream: cfg.LLM.Stream}, resolver, func(o *model.InvokerOptions) {
		o.Logger = logger
	})

	tools := NewToolRegistry(cfg.Tools, logger, bo.Tools...)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.New(bo.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return New(func(o *Options) {
		o.ManagerConfig = manager.Config{
			CancellationTimeout: cfg.Manager.CancellationTimeout,
			IdleTimeout:         cfg.Manager.IdleTimeout,
			RetainFinished:      cfg.Manager.RetainFinished,
			EventBufferSize:     cfg.Manager.EventBufferSize,
			MaxActiveExecutions: cfg.Manager.MaxActiveExecutions,
		}
		o.LLM = invoker
		o.Tools = tools
		o.Resolver = resolver
		o.PinnedVersions = cfg.Prompts.Pinned
		o.MaxLLMCalls = cfg.LLM.MaxCalls
		o.Metrics = collector
		o.Logger = logger
		o.Strategies = map[core.StrategyKind]StrategyDefaults{
			core.KindSequentialReplanning: StrategyDefaults(cfg.Strategies.Sequential),
			core.KindParallelTaskGraph:    StrategyDefaults(cfg.Strategies.Parallel),
			core.KindPlanThenSolve:        StrategyDefaults(cfg.Strategies.PlanSolve),
		}
	})
}

// NewModel creates the model named by cfg.Provider.
func NewModel(cfg config.LLMConfig) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.Model = cfg.Model
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(cfg.MaxTokens)
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(cfg.Model)
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
		}), nil
	case "mock", "":
		return model.NewMockModel("mock", "mock"), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// NewToolRegistry builds the tool registry, wrapping every tool in a rate
// limiter when cfg.RateLimit is set.
func NewToolRegistry(cfg config.ToolsConfig, logger logging.Logger, extra ...tool.Tool) *tool.Registry {
	var tools []tool.Tool
	if cfg.Builtins {
		tools = append(tools, tool.Builtins()...)
	}
	tools = append(tools, extra...)

	if cfg.RateLimit > 0 {
		for i, t := range tools {
			tools[i] = tool.NewRateLimited(t, cfg.RateLimit, cfg.Burst)
		}
	}

	return tool.NewRegistry(tools, func(o *tool.RegistryOptions) { o.Logger = logger })
}

// streamSwitch forces the Stream flag of every request, so a config can
// disable streaming for providers or proxies that do not support it.
type streamSwitch struct {
	model.Model
	stream bool
}

func (s *streamSwitch) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	if !s.stream {
		req.Stream = false
	}
	return s.Model.Generate(ctx, req)
}
