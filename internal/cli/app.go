package cli

import (
	"fmt"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/pkg/coretools"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/runtime"
	"github.com/droverhq/drover/pkg/session"
	"github.com/droverhq/drover/pkg/toolkit"
)

// app bundles the wired collaborators behind a command.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *toolkit.Registry
	store    *session.Store
	queue    *queue.Queue
	runtime  *runtime.Runtime
}

// loadConfig resolves the config honoring the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newApp builds the full runtime stack from config. Callers must Close it.
func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry := toolkit.New()
	registry.SetPolicy(cfg.ToolPolicy())
	if err := coretools.Register(registry, coretools.Options{WorkspaceRoot: cfg.Workspace}); err != nil {
		lg.Close()
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	store, err := session.New(cfg.SessionsDir)
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	q := queue.New()

	rt := runtime.New(runtime.Options{
		Registry:         registry,
		Store:            store,
		Queue:            q,
		Profiles:         cfg.ProviderProfiles(),
		Factory:          provider.NewFactory(),
		ToolConcurrency:  cfg.Limits.ToolConcurrency,
		CompactThreshold: cfg.Limits.CompactThreshold,
	})

	return &app{
		cfg:      cfg,
		log:      lg,
		registry: registry,
		store:    store,
		queue:    q,
		runtime:  rt,
	}, nil
}

func (a *app) Close() {
	_ = a.queue.Close()
	_ = a.log.Close()
}
