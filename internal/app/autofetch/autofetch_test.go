package autofetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/mailer/mailertest"
	"github.com/hickar/sendrecv/internal/pkg/logger"
)

type staticSource []*accounts.Account

func (s staticSource) Accounts() []*accounts.Account { return s }

func account(id string, autoCheck bool, interval time.Duration) *accounts.Account {
	return &accounts.Account{
		ID:        id,
		Enabled:   true,
		AutoCheck: autoCheck,
		Interval:  interval,
		Store:     mailertest.NewStore(id+"-store", "imaps://me@"+id+".example.com", mailer.Provider{Protocol: "imap"}),
	}
}

func drain(m *Manager) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func check(id string) Event {
	return Event{Kind: EventCheck, Account: id, Service: id + "-store"}
}

func TestCommit(t *testing.T) {
	m := New(staticSource{}, Options{}, logger.Discard())

	work := account("work", true, 30*time.Second)
	m.Commit(work)
	period, ok := m.Period("work")
	require.True(t, ok)
	assert.Equal(t, time.Minute, period)
	first := m.entries["work"].id

	// Same settings keep the timer.
	m.Commit(work)
	assert.Equal(t, first, m.entries["work"].id)

	work.Interval = 5 * time.Minute
	m.Commit(work)
	period, _ = m.Period("work")
	assert.Equal(t, 5*time.Minute, period)
	assert.NotEqual(t, first, m.entries["work"].id)
	assert.Len(t, m.cron.Entries(), 1)

	work.AutoCheck = false
	m.Commit(work)
	_, ok = m.Period("work")
	assert.False(t, ok)
	assert.Empty(t, m.cron.Entries())
	assert.False(t, m.Remove("work"))
}

func TestCommitSkipsAccounts(t *testing.T) {
	disabled := account("disabled", true, time.Hour)
	disabled.Enabled = false
	transportOnly := account("smtp", true, time.Hour)
	transportOnly.Store = nil

	m := New(staticSource{}, Options{}, logger.Discard())
	for _, acc := range []*accounts.Account{disabled, transportOnly, account("manual", false, time.Hour)} {
		m.Commit(acc)
	}
	assert.Empty(t, m.entries)
}

func TestFire(t *testing.T) {
	m := New(staticSource{}, Options{}, logger.Discard())
	work := account("work", true, time.Hour)
	m.Commit(work)
	e := m.entries["work"]

	// Offline until told otherwise.
	m.fire(e)
	assert.Empty(t, drain(m))

	m.Online(true)
	assert.Equal(t, []Event{check("work")}, drain(m))

	m.fire(e)
	assert.Equal(t, []Event{check("work")}, drain(m))

	// Stale timer of rescheduled account is ignored.
	work.Interval = 2 * time.Hour
	m.Commit(work)
	m.fire(e)
	assert.Empty(t, drain(m))

	m.Online(false)
	m.fire(m.entries["work"])
	assert.Empty(t, drain(m))
}

func TestOnline(t *testing.T) {
	m := New(staticSource{}, Options{}, logger.Discard())
	m.Commit(account("work", true, time.Hour))
	m.Commit(account("home", true, time.Hour))

	m.Online(true)
	assert.ElementsMatch(t, []Event{check("work"), check("home")}, drain(m))

	// Already online.
	m.Online(true)
	assert.Empty(t, drain(m))

	m.Online(false)
	m.Online(true)
	assert.Len(t, drain(m), 2)
}

func TestInit(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []Event
	}{
		{
			name: "No startup checks",
			opts: Options{},
		},
		{
			name: "Check accounts with timers",
			opts: Options{CheckOnStart: true},
			want: []Event{check("work")},
		},
		{
			name: "Check all accounts",
			opts: Options{CheckOnStart: true, CheckAllOnStart: true},
			want: []Event{check("work"), check("manual")},
		},
		{
			name: "Send on start",
			opts: Options{SendOnStart: true},
			want: []Event{{Kind: EventSend}},
		},
		{
			name: "Check and send",
			opts: Options{CheckOnStart: true, SendOnStart: true},
			want: []Event{check("work"), {Kind: EventSend}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := staticSource{account("work", true, time.Hour), account("manual", false, 0)}
			m := New(source, tt.opts, logger.Discard())
			m.Init()
			t.Cleanup(func() { _ = m.Stop(context.Background()) })

			assert.Equal(t, tt.want, drain(m))
			assert.True(t, m.online)
			_, ok := m.Period("work")
			assert.True(t, ok)
		})
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	m := New(staticSource{}, Options{Buffer: 1}, logger.Discard())
	m.Commit(account("work", true, time.Hour))
	m.Commit(account("home", true, time.Hour))

	m.Online(true)
	assert.Len(t, drain(m), 1)
}

func TestStopClosesEvents(t *testing.T) {
	m := New(staticSource{account("work", true, time.Hour)}, Options{}, logger.Discard())
	m.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	_, ok := <-m.Events()
	assert.False(t, ok)

	assert.NotPanics(t, func() { m.fire(m.entries["work"]) })
}
