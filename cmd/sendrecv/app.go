package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/notify"
	"github.com/hickar/sendrecv/internal/app/sendrecv"
	"github.com/hickar/sendrecv/internal/app/taskq"
	"github.com/hickar/sendrecv/internal/app/uidcache"
	"github.com/hickar/sendrecv/internal/pkg/logger"
)

// application holds components shared by every command.
type application struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *accounts.Registry
	runner   *taskq.Runner
	uids     *uidcache.DB
	rules    []filter.Rule
	renderer *notify.Renderer

	configPath, envPath string
}

func newApplication(c *cli.Context) (*application, error) {
	configPath, envPath := c.String("config"), c.String("env-file")
	cfg, err := config.LoadConfig(configPath, envPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logger.New(os.Stdout, level, logger.Format(cfg.LogFormat))

	rules, err := filter.RulesFromConfig(cfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("invalid filters: %w", err)
	}

	renderer, err := notify.NewRenderer(cfg.NotifyTemplate)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}
	local, err := localstore.Open(cfg.LocalDir, log)
	if err != nil {
		return nil, fmt.Errorf("unable to open local folders: %w", err)
	}
	uids, err := uidcache.Open(filepath.Join(cfg.DataDir, "uids.db"))
	if err != nil {
		return nil, fmt.Errorf("unable to open uid cache: %w", err)
	}

	registry := accounts.NewRegistry(local, accounts.DefaultFactory(accounts.Dialers{}, log), log)
	registry.Load(cfg)

	return &application{
		cfg:      cfg,
		logger:   log,
		registry: registry,
		runner:   taskq.New(cfg.Workers, log),
		uids:     uids,
		rules:    rules,
		renderer: renderer,

		configPath: configPath,
		envPath:    envPath,
	}, nil
}

// loadConfig re-reads configuration files application started with.
func (a *application) loadConfig() (config.Config, error) {
	return config.LoadConfig(a.configPath, a.envPath)
}

// coordinator builds send/receive coordinator reporting to presenter.
// New mail notifications are logged and passed to sinks.
func (a *application) coordinator(presenter sendrecv.Presenter, sinks ...notify.Sink) *sendrecv.Coordinator {
	notifier := notify.New(a.renderer, a.logger, sinks...)
	return sendrecv.New(sendrecv.Options{
		Registry:       a.registry,
		Runner:         a.runner,
		UIDs:           a.uids,
		Rules:          a.rules,
		Presenter:      presenter,
		Notify:         notifier.Notify,
		FetchOrder:     a.cfg.FetchOrder,
		SpoolDir:       filepath.Join(a.cfg.DataDir, "spool"),
		StatusInterval: a.cfg.StatusInterval,
		TaskTimeout:    a.cfg.TaskTimeout,
	}, a.logger)
}

// close drains runner and closes uid cache.
func (a *application) close(ctx context.Context) error {
	return multierr.Append(a.runner.Close(ctx), a.uids.Close())
}
