package daemon

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/config"
)

// LoadFunc reads configuration from its source.
type LoadFunc func() (config.Config, error)

type timers interface {
	Commit(acc *accounts.Account)
	Remove(id string) bool
	Period(id string) (time.Duration, bool)
}

// Reloader re-reads account configuration and applies the difference to
// registry and auto-check timers.
type Reloader struct {
	mu       sync.Mutex
	load     LoadFunc
	registry *accounts.Registry
	timers   timers
	logger   *slog.Logger
}

func NewReloader(load LoadFunc, registry *accounts.Registry, timers timers, log *slog.Logger) *Reloader {
	return &Reloader{
		load:     load,
		registry: registry,
		timers:   timers,
		logger:   log.With(slog.String("module", "reload")),
	}
}

// Reload applies current configuration. Registry is left untouched when
// configuration cannot be read.
func (r *Reloader) Reload() (accounts.Changes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.load()
	if err != nil {
		return accounts.Changes{}, fmt.Errorf("unable to read configuration: %w", err)
	}

	ch := r.registry.Sync(cfg)
	for _, id := range ch.Removed {
		r.timers.Remove(id)
	}
	for _, id := range slices.Concat(ch.Added, ch.Updated) {
		if acc, ok := r.registry.Account(id); ok {
			r.timers.Commit(acc)
		}
	}

	r.logger.Info("accounts reloaded",
		slog.Any("added", ch.Added),
		slog.Any("updated", ch.Updated),
		slog.Any("removed", ch.Removed),
	)
	return ch, nil
}

// Accounts lists registered accounts with their auto-check period.
func (r *Reloader) Accounts() []accounts.Summary {
	accs := r.registry.Accounts()
	out := make([]accounts.Summary, 0, len(accs))
	for _, acc := range accs {
		sum := acc.Summary()
		if period, ok := r.timers.Period(acc.ID); ok {
			sum.CheckPeriod = period.String()
		}
		out = append(out, sum)
	}
	return out
}
