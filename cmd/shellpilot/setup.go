package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/martinemde/shellpilot/agentloop"
	"github.com/martinemde/shellpilot/config"
	"github.com/martinemde/shellpilot/ledger"
	"github.com/martinemde/shellpilot/unifiedllm"
	"github.com/martinemde/shellpilot/webfetch"
	"github.com/openai/openai-go/option"
)

// loadConfig resolves the config file, then applies the environment and
// command-line overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg := config.Default()
	path, err := config.FindConfig(opts.configPath)
	switch {
	case err == nil:
		if cfg, err = config.Load(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	case errors.Is(err, config.ErrNoConfig):
	default:
		return nil, err
	}

	cfg.ApplyEnv(os.LookupEnv)
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    os.Getenv("NO_COLOR") != "",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return config.ReplaceLogLevelNames(groups, a)
		},
	})
	return slog.New(handler)
}

// buildClient creates the model client. The openai provider, or any
// provider with a base_url, goes through the OpenAI-compatible adapter;
// everything else goes through gollm.
func buildClient(cfg *config.Config, logger *slog.Logger) (*unifiedllm.Client, string, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}

	var adapter unifiedllm.ProviderAdapter
	if provider == "openai" || cfg.BaseURL != "" {
		opts := []unifiedllm.OpenAIAdapterOption{
			unifiedllm.WithProviderName(provider),
			unifiedllm.WithDefaultModel(cfg.Model),
			unifiedllm.WithRequestOptions(option.WithHeader("User-Agent", "shellpilot/"+version)),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, unifiedllm.WithBaseURL(cfg.BaseURL))
		}
		adapter = unifiedllm.NewOpenAIAdapter(cfg.APIKey, opts...)
	} else {
		a, err := unifiedllm.NewGollmAdapter(unifiedllm.GollmConfig{
			Provider:  provider,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, "", err
		}
		adapter = a
	}

	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy()),
		),
	)
	return client, provider, nil
}

// runtime bundles everything a command needs to run sessions.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	client *unifiedllm.Client
	ledger *ledger.Store
	agent  *agentloop.Agent
}

func (r *runtime) Close() error {
	var errs []error
	if r.ledger != nil {
		errs = append(errs, r.ledger.Close())
	}
	if r.client != nil {
		errs = append(errs, r.client.Close())
	}
	return errors.Join(errs...)
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	client, provider, err := buildClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	rt.client = client

	shell := cfg.ShellRunner()
	shell.Logger = logger
	deps := agentloop.Deps{
		Shell:   shell,
		Fetcher: webfetch.New(),
		WorkDir: cfg.WorkDir,
		Logger:  logger,
	}
	if cfg.CoderModel != "" {
		deps.Coder = client
		deps.CoderModel = cfg.CoderModel
		deps.CoderProvider = provider
	}
	registry, err := agentloop.NewDefaultRegistry(deps)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build capability registry: %w", err)
	}

	var sinks agentloop.MultiSink
	if cfg.LogDir != "" {
		sinks = append(sinks, agentloop.NewFileTranscriptLogger(cfg.LogDir))
	}
	if cfg.LedgerPath != "" {
		store, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.ledger = store
		sinks = append(sinks, store)
	}

	agentCfg, err := cfg.AgentConfig()
	if err != nil {
		rt.Close()
		return nil, err
	}
	agentCfg.Provider = provider

	opts := []agentloop.AgentOption{agentloop.WithLogger(logger)}
	if len(sinks) > 0 {
		opts = append(opts, agentloop.WithTranscriptSink(sinks))
	}
	agent, err := agentloop.NewAgent(agentCfg, client, registry, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.agent = agent
	return rt, nil
}
