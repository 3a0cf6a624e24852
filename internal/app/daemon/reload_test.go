package daemon

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/autofetch"
	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/mailer/mailertest"
	"github.com/hickar/sendrecv/internal/pkg/logger"
)

type fakeTimers struct {
	committed []string
	removed   []string
	periods   map[string]time.Duration
}

func (f *fakeTimers) Period(id string) (time.Duration, bool) {
	p, ok := f.periods[id]
	return p, ok
}

func (f *fakeTimers) Commit(acc *accounts.Account) { f.committed = append(f.committed, acc.ID) }
func (f *fakeTimers) Remove(id string) bool {
	f.removed = append(f.removed, id)
	return true
}

func newReloadRegistry(t *testing.T) *accounts.Registry {
	t.Helper()
	local, err := localstore.Open(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	return accounts.NewRegistry(local, func(acc config.Account) (mailer.Service, mailer.Transport, error) {
		return mailertest.NewStore(acc.ID, acc.StoreURL, mailer.Provider{}), nil, nil
	}, logger.Discard())
}

func TestReloaderAppliesChanges(t *testing.T) {
	registry := newReloadRegistry(t)
	registry.Load(config.Config{Accounts: []config.Account{
		{ID: "work", StoreURL: "pop://work.example.com", AutoCheck: true},
		{ID: "old", StoreURL: "pop://old.example.com"},
	}})

	cfg := config.Config{Accounts: []config.Account{
		{ID: "work", StoreURL: "pop://work.example.com", AutoCheck: true, AutoCheckInterval: time.Hour},
		{ID: "new", StoreURL: "pop://new.example.com"},
	}}
	timers := &fakeTimers{}
	r := NewReloader(func() (config.Config, error) { return cfg, nil }, registry, timers, logger.Discard())

	ch, err := r.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ch.Added)
	assert.Equal(t, []string{"work"}, ch.Updated)
	assert.Equal(t, []string{"old"}, ch.Removed)
	assert.Equal(t, []string{"new", "work"}, timers.committed)
	assert.Equal(t, []string{"old"}, timers.removed)

	acc, ok := registry.Account("work")
	require.True(t, ok)
	assert.Equal(t, time.Hour, acc.Interval)

	ch, err = r.Reload()
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	assert.Len(t, timers.committed, 2)

	timers.periods = map[string]time.Duration{"work": time.Hour}
	sums := r.Accounts()
	require.Len(t, sums, 2)
	assert.Equal(t, "work", sums[0].ID)
	assert.Equal(t, "1h0m0s", sums[0].CheckPeriod)
	assert.Equal(t, "download", sums[0].Sources[0].Kind)
	assert.Equal(t, "new", sums[1].ID)
	assert.Empty(t, sums[1].CheckPeriod)
}

func TestReloaderKeepsAccountsOnError(t *testing.T) {
	registry := newReloadRegistry(t)
	registry.Load(config.Config{Accounts: []config.Account{{ID: "work", StoreURL: "pop://work.example.com"}}})

	timers := &fakeTimers{}
	r := NewReloader(func() (config.Config, error) {
		return config.Config{}, errors.New("bad yaml")
	}, registry, timers, logger.Discard())

	_, err := r.Reload()
	assert.ErrorContains(t, err, "bad yaml")
	assert.Len(t, registry.Accounts(), 1)
	assert.Empty(t, timers.removed)
}

type fakeReloader struct{ reloads chan struct{} }

func (f *fakeReloader) Reload() (accounts.Changes, error) {
	f.reloads <- struct{}{}
	return accounts.Changes{}, nil
}

func TestDaemonReloadsOnHangup(t *testing.T) {
	coord := &fakeCoordinator{handled: make(chan struct{}, 1)}
	auto := &fakeAuto{events: make(chan autofetch.Event)}
	reloads := &fakeReloader{reloads: make(chan struct{}, 1)}

	d := NewDaemon(config.Config{}, coord, auto, nil, nil, logger.Discard())
	d.SetReloader(reloads)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	d.hup <- syscall.SIGHUP
	select {
	case <-reloads.reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("accounts were not reloaded")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
