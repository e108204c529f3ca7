package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/thruflo/ember/internal/budget"
	"github.com/thruflo/ember/internal/config"
	"github.com/thruflo/ember/internal/executor"
	"github.com/thruflo/ember/internal/llm"
	"github.com/thruflo/ember/internal/logging"
	"github.com/thruflo/ember/internal/metrics"
	"github.com/thruflo/ember/internal/schema"
	"github.com/thruflo/ember/internal/state"
	"github.com/thruflo/ember/internal/stepctx"
	"github.com/thruflo/ember/internal/workspace"
)

// APIKeyEnv names the credential read from .ember/.env or the environment.
const APIKeyEnv = "OPENAI_API_KEY"

// ProviderFactory builds the model provider for a run. It can be overridden
// in tests.
type ProviderFactory func(cfg config.LLM, env map[string]string) (llm.Provider, error)

// newProvider is the factory used by run. Tests replace it with one that
// returns an llm.MockProvider.
var newProvider ProviderFactory = openAIProvider

func openAIProvider(cfg config.LLM, env map[string]string) (llm.Provider, error) {
	p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:            config.Lookup(env, APIKeyEnv),
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Temperature:       cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set %s in %s/.env or the environment, or llm.base_url in config)", err, APIKeyEnv, config.Dir)
	}
	return p, nil
}

// app holds everything a command needs for one project.
type app struct {
	projectDir string
	cfg        *config.Config
	store      *state.Store
	schemas    *schema.Registry
	log        *logging.Logger
}

// loadApp resolves the project directory, loads its config and opens the
// task store.
func loadApp(flags *globalFlags) (*app, error) {
	projectDir := flags.project
	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		projectDir = cwd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	cfg, err := config.LoadConfig(projectDir)
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if flags.logLevel != "" {
		levelName = flags.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	log := logging.Default()
	log.SetLevel(level)

	store := state.NewStore(filepath.Join(projectDir, config.Dir))
	store.SetMemoryMaxItems(cfg.Memory.MaxItems)

	return &app{
		projectDir: projectDir,
		cfg:        cfg,
		store:      store,
		schemas:    schema.DefaultRegistry(),
		log:        log,
	}, nil
}

func (a *app) builder() *stepctx.Builder {
	return stepctx.NewBuilder(a.store, a.schemas, stepctx.Options{
		MaxTokens:      a.cfg.Context.MaxTokens,
		RecentActions:  a.cfg.Context.RecentActions,
		SectionLimits:  a.cfg.Context.Sections,
		MemoryMaxItems: a.cfg.Memory.MaxItems,
		ProjectPath:    a.projectDir,
	})
}

func (a *app) budgetConfig() budget.Config {
	l := a.cfg.Limits
	return budget.Config{
		BaseBudget:          l.BaseBudget,
		MaxBudget:           l.MaxBudget,
		RunawayThreshold:    l.RunawayThreshold,
		NoProgressThreshold: l.NoProgressThreshold,
		MaxReadStreak:       l.MaxReadStreak,
	}
}

// executor wires an Executor with the workspace actions registered.
func (a *app) executor(provider llm.Provider, rec *metrics.Recorder) (*executor.Executor, error) {
	exec, err := executor.New(executor.Options{
		Store:             a.store,
		Builder:           a.builder(),
		Provider:          provider,
		Schemas:           a.schemas,
		ProjectPath:       a.projectDir,
		Logger:            a.log,
		Metrics:           rec,
		Budget:            a.budgetConfig(),
		MaxIterations:     a.cfg.Limits.MaxIterations,
		MaxResponseTokens: a.cfg.LLM.MaxResponseTokens,
		HistoryWindow:     a.cfg.Limits.HistoryWindow,
		MemoryMaxItems:    a.cfg.Memory.MaxItems,
		LoadedContextTTL:  a.cfg.Memory.LoadedContextTTL,
	})
	if err != nil {
		return nil, err
	}
	if err := workspace.New(a.projectDir, a.cfg.CheckCommand).Register(exec); err != nil {
		return nil, err
	}
	return exec, nil
}
