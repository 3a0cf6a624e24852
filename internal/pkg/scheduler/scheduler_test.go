package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleValidation(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		wantErr  string
	}{
		{
			name:     "Zero interval",
			settings: Settings{Callback: func() {}},
			wantErr:  "interval must be larger than 0",
		},
		{
			name:     "Nil callback",
			settings: Settings{Interval: time.Second},
			wantErr:  "callback is nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Scheduler
			assert.EqualError(t, s.Schedule(tt.settings), tt.wantErr)
		})
	}
}

func TestScheduleLaunchInitially(t *testing.T) {
	var calls atomic.Int32
	fired := make(chan struct{}, 1)

	var s Scheduler
	require.NoError(t, s.Schedule(Settings{
		Interval:        time.Hour,
		LaunchInitially: true,
		Callback: func() {
			calls.Add(1)
			fired <- struct{}{}
		},
	}))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not launched initially")
	}
	s.Stop()
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduleTicksUntilStopped(t *testing.T) {
	var calls atomic.Int32

	var s Scheduler
	require.NoError(t, s.Schedule(Settings{
		Interval: 5 * time.Millisecond,
		Callback: func() { calls.Add(1) },
	}))

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	s.Stop()
	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	// Second stop is a no-op.
	s.Stop()
}

func TestScheduleStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var s Scheduler
	require.NoError(t, s.ScheduleWithCtx(ctx, Settings{Interval: time.Millisecond, Callback: func() {}}))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStopNeverScheduled(t *testing.T) {
	var s Scheduler
	assert.NotPanics(t, s.Stop)
}
