package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/agentflow-go/flow"
	"github.com/dshills/agentflow-go/flow/checkpoint"
	"github.com/dshills/agentflow-go/flow/model"
	"github.com/dshills/agentflow-go/flow/model/anthropic"
	"github.com/dshills/agentflow-go/flow/model/google"
	"github.com/dshills/agentflow-go/flow/model/openai"
	"github.com/dshills/agentflow-go/flow/stages"
)

// Default model names used when AGENTFLOW_MODEL is unset.
const (
	defaultAnthropicModel = "claude-3-5-sonnet-latest"
	defaultOpenAIModel    = "gpt-4o"
	defaultGoogleModel    = "gemini-2.5-flash"
)

// config collects everything read from the environment.
type config struct {
	anthropicKey  string
	openaiKey     string
	googleKey     string
	modelName     string
	maxRuns       int
	stageTimeout  time.Duration
	checkpointDSN string
	hubBuffer     int
	tokenBudget   int
}

func loadConfig() (*config, error) {
	cfg := &config{
		anthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
		openaiKey:     os.Getenv("OPENAI_API_KEY"),
		googleKey:     os.Getenv("GOOGLE_API_KEY"),
		modelName:     os.Getenv("AGENTFLOW_MODEL"),
		checkpointDSN: os.Getenv("AGENTFLOW_CHECKPOINT_DSN"),
	}
	if v := os.Getenv("AGENTFLOW_MAX_RUNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("AGENTFLOW_MAX_RUNS: %q is not a positive integer", v)
		}
		cfg.maxRuns = n
	}
	if v := os.Getenv("AGENTFLOW_STAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("AGENTFLOW_STAGE_TIMEOUT: %q is not a positive duration", v)
		}
		cfg.stageTimeout = d
	}
	if v := os.Getenv("AGENTFLOW_TOKEN_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("AGENTFLOW_TOKEN_BUDGET: %q is not a positive integer", v)
		}
		cfg.tokenBudget = n
	}
	if v := os.Getenv("AGENTFLOW_HUB_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("AGENTFLOW_HUB_BUFFER: %q is not a positive integer", v)
		}
		cfg.hubBuffer = n
	}
	return cfg, nil
}

// newModelClient selects the provider from the available API keys and
// wraps it in the retrying adapter.
func (cfg *config) newModelClient(meter *model.Meter) (model.Client, error) {
	var backend model.Client
	switch {
	case cfg.anthropicKey != "":
		name := cfg.modelName
		if name == "" {
			name = defaultAnthropicModel
		}
		c, err := anthropic.NewFromAPIKey(cfg.anthropicKey, name)
		if err != nil {
			return nil, err
		}
		backend = c
	case cfg.openaiKey != "":
		name := cfg.modelName
		if name == "" {
			name = defaultOpenAIModel
		}
		c, err := openai.NewFromAPIKey(cfg.openaiKey, name)
		if err != nil {
			return nil, err
		}
		backend = c
	case cfg.googleKey != "":
		name := cfg.modelName
		if name == "" {
			name = defaultGoogleModel
		}
		c, err := google.NewFromAPIKey(context.Background(), cfg.googleKey, name)
		if err != nil {
			return nil, err
		}
		backend = c
	default:
		return nil, fmt.Errorf("no model provider configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GOOGLE_API_KEY")
	}
	return model.NewAdapter(backend, model.AdapterOptions{
		RateLimit: rate.Limit(2),
		RateBurst: 4,
		Meter:     meter,
	}), nil
}

// newStore maps AGENTFLOW_CHECKPOINT_DSN onto a checkpoint backend. An
// empty DSN keeps checkpoints in memory.
func (cfg *config) newStore() (checkpoint.Store, error) {
	dsn := cfg.checkpointDSN
	switch {
	case dsn == "":
		return checkpoint.NewMemStore(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return checkpoint.NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "mysql:"):
		return checkpoint.NewMySQLStore(strings.TrimPrefix(dsn, "mysql:"))
	case strings.HasPrefix(dsn, "redis:"):
		return checkpoint.NewRedisStore(strings.TrimPrefix(dsn, "redis:"))
	default:
		return nil, fmt.Errorf("AGENTFLOW_CHECKPOINT_DSN: unknown scheme in %q (want sqlite:, mysql:, or redis:)", dsn)
	}
}

func (cfg *config) pipelineOptions() []stages.PipelineOption {
	var opts []stages.PipelineOption
	if cfg.stageTimeout > 0 {
		opts = append(opts, stages.WithStageTimeout(cfg.stageTimeout))
	}
	return opts
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// newOrchestrator wires the full stack behind both commands.
func (cfg *config) newOrchestrator(log *slog.Logger, ec flow.EngineConfig) (*flow.Orchestrator, error) {
	store, err := cfg.newStore()
	if err != nil {
		return nil, err
	}
	ec.Store = store
	ec.Log = log
	ec.TokenBudget = cfg.tokenBudget
	engine := flow.NewEngine(ec)
	if err := stages.RegisterPipelines(engine, cfg.pipelineOptions()...); err != nil {
		return nil, err
	}
	return flow.NewOrchestrator(flow.OrchestratorConfig{
		Engine:  engine,
		Log:     log,
		MaxRuns: cfg.maxRuns,
	}), nil
}
