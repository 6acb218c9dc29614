package main

import (
	"os"
	"os/user"

	"github.com/devhaven/conductor/internal/config"
	"github.com/devhaven/conductor/internal/events"
	"github.com/devhaven/conductor/internal/features"
	"github.com/devhaven/conductor/internal/pipeline"
	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
	"github.com/devhaven/conductor/internal/terminal"
)

// app holds the wired services every subcommand draws from. Built once per
// invocation from the resolved configuration.
type app struct {
	logger   *terminal.Logger
	emitter  events.Emitter
	resolved config.Resolved
	registry *provider.Registry
	queries  *query.Service
	loader   *features.FileLoader
}

// newApp resolves configuration (env over file over defaults) and wires the
// provider registry and query service. Subcommand flags are applied on top
// by their own run functions.
func newApp() (*app, error) {
	if !terminal.IsStderrTTY() {
		terminal.SetColorsEnabled(false)
	}
	logger := terminal.NewLogger()

	var cfg *config.Config
	if !noConfig {
		result, err := config.LoadFromDirWithWarnings(projectPath)
		if err != nil {
			return nil, err
		}
		cfg = result.Config
		for _, warning := range result.Warnings {
			logger.Logf(terminal.StyleWarning, "Warning: %s", warning)
		}
	}

	resolved := config.Resolve(cfg, config.LoadEnvState())
	registry := provider.NewRegistry(logger, resolved.Credentials())

	return &app{
		logger:   logger,
		emitter:  events.NewLogEmitter(logger),
		resolved: resolved,
		registry: registry,
		queries:  query.NewService(registry, resolved.ModelResolver(), logger),
		loader:   features.NewFileLoader(),
	}, nil
}

// executor wires a pipeline executor over the app's query service and the
// project's result store.
func (a *app) executor() *pipeline.Executor {
	storage := pipeline.NewStorage(
		pipeline.DefaultStorageDir(projectPath), a.logger,
		pipeline.WithMaxResultSize(int(a.resolved.MaxResultSize)),
		pipeline.WithRetention(a.resolved.Retention()),
	)
	memory := pipeline.NewMemory(projectPath, a.logger)
	return pipeline.NewExecutor(a.queries, storage, memory, a.loader, a.emitter, a.logger)
}

// loadSteps reads the project's pipeline configuration.
func loadSteps(path string) ([]pipeline.StepConfig, error) {
	if path == "" {
		path = pipeline.DefaultStepsPath(projectPath)
	}
	return pipeline.LoadSteps(path)
}

// currentUser names the invoker for audit trails, falling back to "conductor".
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "conductor"
}
