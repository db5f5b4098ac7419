package main

import (
	"context"

	"github.com/spf13/afero"

	"github.com/ovenzeze/open-interpreter/internal/archive"
	"github.com/ovenzeze/open-interpreter/internal/config"
	"github.com/ovenzeze/open-interpreter/internal/engine"
	"github.com/ovenzeze/open-interpreter/internal/instance"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

// components are the long-lived parts shared by every command.
type components struct {
	cfg     *config.Config
	store   *session.Store
	locks   *session.LockTable
	pool    *instance.Pool
	archive *archive.Archive
	engine  *engine.Factory
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Provider:     cfg.LLM.Provider,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		SystemPrompt: cfg.Engine.SystemPrompt,
		AutoRun:      cfg.Engine.AutoRun,
		MaxLoops:     cfg.Engine.MaxLoops,
		SandboxDir:   cfg.Engine.SandboxDir,
		ExecTimeout:  cfg.Engine.ExecTimeout.Std(),
	}
}

// openArchive connects to MinIO when it is configured. A failure leaves the
// server running without archival.
func openArchive(ctx context.Context, cfg config.StorageConfig) *archive.Archive {
	if !cfg.Enabled {
		return nil
	}

	arch, err := archive.New(archive.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
	})
	if err != nil {
		logger.Warn("session archive disabled", "error", err)
		return nil
	}

	if err := arch.Init(ctx); err != nil {
		logger.Warn("session archive unreachable, continuing without it", "endpoint", cfg.Endpoint, "error", err)
		return nil
	}

	logger.Info("session archive enabled", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return arch
}

// build wires the session core. withEngine is false for offline commands
// that never run a turn.
func build(ctx context.Context, cfg *config.Config, withEngine bool) (*components, error) {
	c := &components{cfg: cfg, locks: session.NewLockTable()}

	files, err := session.NewFileStore(afero.NewOsFs(), cfg.Session.Dir)
	if err != nil {
		return nil, err
	}

	var opts []session.Option

	if withEngine {
		c.engine, err = engine.NewFactory(engineConfig(cfg))
		if err != nil {
			return nil, err
		}

		c.pool = instance.New(func(ctx context.Context, id string) (instance.Instance, error) {
			return c.engine.New(ctx, id)
		}, cfg.Pool.MaxActive)

		// session activity and instance recency share one clock
		opts = append(opts, session.WithActivityHook(c.pool.Touch))
	}

	c.archive = openArchive(ctx, cfg.Storage)
	if c.archive != nil {
		opts = append(opts, session.WithArchiver(c.archive))
	}

	c.store = session.NewStore(files, cfg.Session.Timeout.Std(), opts...)
	n := c.store.Load()
	logger.Info("sessions loaded", "count", n, "dir", files.Dir())

	return c, nil
}

func (c *components) close() {
	if c.pool != nil {
		c.pool.Close()
	}
}
