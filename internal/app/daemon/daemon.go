package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/autofetch"
	"github.com/hickar/sendrecv/internal/app/config"
)

// ShutdownTimeout bounds graceful termination of running tasks.
const ShutdownTimeout = 15 * time.Second

type Daemon struct {
	cfg     config.Config
	coord   coordinator
	auto    autoFetcher
	runner  closer
	handler http.Handler
	logger  *slog.Logger

	reloader reloader
	hup      chan os.Signal
}

type reloader interface {
	Reload() (accounts.Changes, error)
}

type coordinator interface {
	ReceiveService(uid string) bool
	Send() bool
	Close(ctx context.Context) error
}

type autoFetcher interface {
	Init()
	Events() <-chan autofetch.Event
	Stop(ctx context.Context) error
}

type closer interface {
	Close(ctx context.Context) error
}

// NewDaemon wires coordinator to auto-fetch timers and, when handler is
// set and address configured, to HTTP API.
func NewDaemon(
	cfg config.Config,
	coord coordinator,
	auto autoFetcher,
	runner closer,
	handler http.Handler,
	logger *slog.Logger,
) *Daemon {
	return &Daemon{
		cfg:     cfg,
		coord:   coord,
		auto:    auto,
		runner:  runner,
		handler: handler,
		logger:  logger,
		hup:     make(chan os.Signal, 1),
	}
}

// SetReloader makes daemon re-read accounts on SIGHUP.
func (d *Daemon) SetReloader(r reloader) { d.reloader = r }

// Start runs auto-fetch timers and API server until ctx is done or
// server fails, then cancels running tasks and waits for them.
func (d *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	var srv *http.Server
	if d.handler != nil && d.cfg.APIAddress != "" {
		srv = &http.Server{
			Addr:              d.cfg.APIAddress,
			Handler:           d.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			d.logger.Info("serving API", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server failed: %w", err)
			}
		}()
	}

	if d.reloader != nil {
		signal.Notify(d.hup, syscall.SIGHUP)
		defer signal.Stop(d.hup)
	}

	d.auto.Init()
	defer d.shutdown(srv)

	events := d.auto.Events()
	for {
		select {
		// If the context is canceled (e.g., through external signal)
		// returning the context's error to indicate graceful termination.
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			return err

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.handle(ev)

		case <-d.hup:
			if d.reloader == nil {
				continue
			}
			if _, err := d.reloader.Reload(); err != nil {
				d.logger.Error("unable to reload accounts", slog.Any("err", err))
			}
		}
	}
}

func (d *Daemon) handle(ev autofetch.Event) {
	switch ev.Kind {
	case autofetch.EventCheck:
		if !d.coord.ReceiveService(ev.Service) {
			d.logger.Debug("auto-check skipped", slog.String("account", ev.Account))
		}
	case autofetch.EventSend:
		if !d.coord.Send() {
			d.logger.Debug("send skipped, no transport or offline")
		}
	}
}

func (d *Daemon) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Error("api server shutdown failed", slog.Any("err", err))
		}
	}
	if err := d.auto.Stop(ctx); err != nil {
		d.logger.Error("unable to stop auto-check timers", slog.Any("err", err))
	}
	if err := d.coord.Close(ctx); err != nil {
		d.logger.Error("send/receive tasks did not finish in time", slog.Any("err", err))
	}
	if d.runner != nil {
		if err := d.runner.Close(ctx); err != nil {
			d.logger.Error("task runner did not drain in time", slog.Any("err", err))
		}
	}
	d.logger.Info("daemon stopped")
}
