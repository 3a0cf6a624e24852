// Package autofetch triggers periodic mail checks of accounts which have
// auto-check turned on.
package autofetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/config"
)

type EventKind int

const (
	// EventCheck asks to receive mail of a single service.
	EventCheck EventKind = iota
	// EventSend asks to flush the outbox.
	EventSend
)

// Event is a fire of a timer or of a startup check.
type Event struct {
	Kind    EventKind
	Account string
	Service string
}

// AccountSource lists configured accounts.
type AccountSource interface {
	Accounts() []*accounts.Account
}

type Options struct {
	CheckOnStart    bool
	CheckAllOnStart bool
	SendOnStart     bool
	// Buffer is the capacity of the events channel.
	Buffer int
}

type entry struct {
	account string
	service string
	period  time.Duration
	id      cron.EntryID
}

// Manager keeps one cron entry per auto-checked account. Fires are
// dropped while offline.
type Manager struct {
	opts   Options
	source AccountSource
	cron   *cron.Cron
	events chan Event
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	online  bool
	closed  bool
}

func New(source AccountSource, opts Options, log *slog.Logger) *Manager {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	log = log.With(slog.String("module", "autofetch"))
	cl := cronLogger{logger: log}

	return &Manager{
		opts:   opts,
		source: source,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		events:  make(chan Event, opts.Buffer),
		logger:  log,
		entries: make(map[string]*entry),
	}
}

// Events delivers checks to perform. The channel is closed by Stop.
func (m *Manager) Events() <-chan Event { return m.events }

// Init schedules every configured account, starts timers and goes
// online, checking mail right away when configured so.
func (m *Manager) Init() {
	for _, acc := range m.source.Accounts() {
		m.Commit(acc)
	}
	m.cron.Start()

	if m.opts.CheckOnStart {
		m.Online(true)
	} else {
		m.mu.Lock()
		m.online = true
		m.mu.Unlock()
	}

	if m.opts.SendOnStart {
		m.emit(Event{Kind: EventSend})
	}
}

// Stop halts timers, waits for a running fire and closes Events.
func (m *Manager) Stop(ctx context.Context) error {
	stopped := m.cron.Stop()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// Commit applies current settings of acc. A timer is rescheduled when
// its period changed and removed when auto-check got turned off.
func (m *Manager) Commit(acc *accounts.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := acc.Enabled && acc.AutoCheck && acc.Store != nil
	period := max(acc.Interval, config.MinAutoCheckInterval)

	if e, ok := m.entries[acc.ID]; ok {
		if want && e.period == period && e.service == acc.Store.UID() {
			return
		}
		m.removeLocked(e)
	}
	if !want {
		return
	}

	e := &entry{account: acc.ID, service: acc.Store.UID(), period: period}
	e.id = m.cron.Schedule(cron.Every(period), cron.FuncJob(func() { m.fire(e) }))
	m.entries[acc.ID] = e

	m.logger.Debug("auto-check scheduled",
		slog.String("account", acc.ID), slog.Duration("period", period))
}

// Remove drops timer of account id.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if ok {
		m.removeLocked(e)
	}
	return ok
}

func (m *Manager) removeLocked(e *entry) {
	m.cron.Remove(e.id)
	delete(m.entries, e.account)
}

// Period returns period of timer of account id.
func (m *Manager) Period(id string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		return e.period, true
	}
	return 0, false
}

// Online switches network state. Going online checks every account
// having a timer, or every enabled account when startup checks cover all
// of them.
func (m *Manager) Online(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	if !online || was {
		m.mu.Unlock()
		return
	}

	var checks []Event
	if m.opts.CheckOnStart && m.opts.CheckAllOnStart {
		for _, acc := range m.source.Accounts() {
			if acc.Enabled && acc.Store != nil {
				checks = append(checks, Event{Kind: EventCheck, Account: acc.ID, Service: acc.Store.UID()})
			}
		}
	} else {
		for _, e := range m.entries {
			checks = append(checks, Event{Kind: EventCheck, Account: e.account, Service: e.service})
		}
	}
	m.mu.Unlock()

	for _, ev := range checks {
		m.emit(ev)
	}
}

func (m *Manager) fire(e *entry) {
	m.mu.Lock()
	current, ok := m.entries[e.account]
	online := m.online
	m.mu.Unlock()

	if !ok || current != e || !online {
		return
	}
	m.emit(Event{Kind: EventCheck, Account: e.account, Service: e.service})
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	select {
	case m.events <- ev:
	default:
		m.logger.Warn("check dropped, previous ones are still pending", slog.String("account", ev.Account))
	}
}

// cronLogger routes cron messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("err", err))...)
}
