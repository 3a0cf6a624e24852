package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/api"
	"github.com/hickar/sendrecv/internal/app/autofetch"
	"github.com/hickar/sendrecv/internal/app/daemon"
	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/mailops"
	"github.com/hickar/sendrecv/internal/app/sendrecv"
)

func main() {
	app := &cli.App{
		Name:  "sendrecv",
		Usage: "send queued mail and receive new mail of configured accounts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "Filepath to configuration file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: "./.env",
				Usage: "Filepath to environment variables file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "check mail periodically and serve control API until interrupted",
				Action: runDaemon,
			},
			{
				Name:   "sendrecv",
				Usage:  "send queued mail and receive from every enabled account",
				Action: once(func(c *sendrecv.Coordinator) []string { return c.SendReceive(true) }),
			},
			{
				Name:   "receive",
				Usage:  "receive from every enabled account",
				Action: once(func(c *sendrecv.Coordinator) []string { return c.Receive() }),
			},
			{
				Name:  "send",
				Usage: "send queued mail",
				Action: once(func(c *sendrecv.Coordinator) []string {
					if c.Send() {
						return []string{sendrecv.SendKey}
					}
					return nil
				}),
			},
			{
				Name:  "filter",
				Usage: "apply on-demand filter rules to a folder",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "folder",
						Required: true,
						Usage:    "Folder URI, or name of a local folder",
					},
				},
				Action: filterFolder,
			},
			{
				Name:  "sync",
				Usage: "store a folder, or every folder of a store, optionally expunging deleted mail",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "folder", Usage: "Folder URI, or name of a local folder"},
					&cli.StringFlag{Name: "store", Usage: "Store uid, used when folder is not set"},
					&cli.BoolFlag{Name: "expunge", Usage: "Remove messages flagged deleted"},
					&cli.BoolFlag{Name: "purge-junk", Usage: "Flag junk messages of folder deleted first"},
				},
				Action: maintain(func(c *cli.Context, m *sendrecv.Maintenance) error {
					if c.String("folder") == "" {
						if c.String("store") == "" {
							return errors.New("either --folder or --store is required")
						}
						return m.SyncStore(c.Context, c.String("store"), c.Bool("expunge"))
					}
					return m.SyncFolder(c.Context, folderURI(c.String("folder")), c.Bool("expunge"), c.Bool("purge-junk"))
				}),
			},
			{
				Name:  "empty-trash",
				Usage: "delete every message of a store trash folder",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "store", Value: localstore.UID, Usage: "Store uid"},
				},
				Action: maintain(func(c *cli.Context, m *sendrecv.Maintenance) error {
					return m.EmptyTrash(c.Context, c.String("store"))
				}),
			},
			{
				Name:  "transfer",
				Usage: "copy or move messages between folders",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Required: true, Usage: "Source folder URI or local folder name"},
					&cli.StringFlag{Name: "to", Required: true, Usage: "Destination folder URI or local folder name"},
					&cli.StringSliceFlag{Name: "uid", Usage: "Message to transfer, every message when not set"},
					&cli.BoolFlag{Name: "move", Usage: "Delete originals"},
				},
				Action: maintain(func(c *cli.Context, m *sendrecv.Maintenance) error {
					return m.Transfer(c.Context, folderURI(c.String("from")), folderURI(c.String("to")), c.StringSlice("uid"), c.Bool("move"))
				}),
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application exited with error: %s\n", err)
		cancel()
		//nolint:gocritic
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	app, err := newApplication(c)
	if err != nil {
		return err
	}

	events := api.NewEvents(0)
	coord := app.coordinator(sendrecv.MultiPresenter(events, sendrecv.LogPresenter{Logger: app.logger}), events)
	auto := autofetch.New(app.registry, autofetch.Options{
		CheckOnStart:    app.cfg.CheckOnStart,
		CheckAllOnStart: app.cfg.CheckAllOnStart,
		SendOnStart:     app.cfg.SendOnStart,
	}, app.logger)
	app.registry.Local().SetChangeFunc(events.FolderChanged)

	reloader := daemon.NewReloader(app.loadConfig, app.registry, auto, app.logger)
	router := api.NewRouter(onlineSwitch{Coordinator: coord, auto: auto}, events, app.cfg.APIKey, app.logger,
		api.WithAccounts(reloader),
		api.WithMaintenance(sendrecv.NewMaintenance(app.registry, app.runner, app.logger)),
	)

	d := daemon.NewDaemon(app.cfg, coord, auto, app.runner, router, app.logger.With(slog.String("module", "daemon")))
	d.SetReloader(reloader)
	err = d.Start(c.Context)

	if cerr := app.uids.Close(); cerr != nil {
		app.logger.Error("unable to close uid cache", slog.Any("err", cerr))
	}
	return err
}

// onlineSwitch keeps auto-check timers in line with network state of
// coordinator.
type onlineSwitch struct {
	*sendrecv.Coordinator
	auto *autofetch.Manager
}

func (s onlineSwitch) SetOnline(online bool) {
	s.Coordinator.SetOnline(online)
	s.auto.Online(online)
}

// once runs single send/receive session started by start and waits for
// it to finish. Interrupt cancels running tasks.
func once(start func(*sendrecv.Coordinator) []string) cli.ActionFunc {
	return func(c *cli.Context) error {
		app, err := newApplication(c)
		if err != nil {
			return err
		}

		coord := app.coordinator(sendrecv.LogPresenter{Logger: app.logger})
		if started := start(coord); len(started) == 0 {
			app.logger.Info("nothing to do")
		}

		waitErr := coord.Wait(c.Context)
		ctx, cancel := context.WithTimeout(context.Background(), daemon.ShutdownTimeout)
		defer cancel()

		return errors.Join(waitErr, coord.Close(ctx), app.close(ctx))
	}
}

func filterFolder(c *cli.Context) error {
	app, err := newApplication(c)
	if err != nil {
		return err
	}

	folder, err := app.registry.ResolveFolder(c.Context, folderURI(c.String("folder")))
	if err != nil {
		return err
	}

	driver := filter.NewDriver(app.rules, filter.SourceDemand, app.registry.ResolveFolder, app.logger)
	handle := app.runner.Unordered(c.Context, mailops.NewFilterFolderTask(folder, nil, driver, false, app.logger))
	err = handle.Wait(context.WithoutCancel(c.Context))

	ctx, cancel := context.WithTimeout(context.Background(), daemon.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, app.close(ctx))
}

// maintain runs folder or store operation and drains runner.
func maintain(run func(c *cli.Context, m *sendrecv.Maintenance) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		app, err := newApplication(c)
		if err != nil {
			return err
		}

		err = run(c, sendrecv.NewMaintenance(app.registry, app.runner, app.logger))

		ctx, cancel := context.WithTimeout(context.Background(), daemon.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, app.close(ctx))
	}
}

// folderURI treats bare names as local folders.
func folderURI(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	return accounts.FolderURI(localstore.UID, s)
}
