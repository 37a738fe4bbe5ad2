package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScheduleOnce_SinglePendingTrigger(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	done := make(chan struct{}, 4)
	s.Register("drain", func(ctx context.Context) {
		runs.Add(1)
		done <- struct{}{}
	})

	assert.True(t, s.ScheduleOnce(20*time.Millisecond, "drain"))
	assert.True(t, s.IsScheduled("drain"))
	assert.False(t, s.ScheduleOnce(time.Millisecond, "drain"), "duplicate while pending")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook did not run")
	}
	assert.Equal(t, int32(1), runs.Load())
	assert.Eventually(t, func() bool { return !s.IsScheduled("drain") }, time.Second, 5*time.Millisecond)
}

func TestScheduleOnce_HookCanReschedule(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	s.Register("drain", func(ctx context.Context) {
		if runs.Add(1) < 3 {
			s.ScheduleOnce(time.Millisecond, "drain")
		}
	})

	require.True(t, s.ScheduleOnce(time.Millisecond, "drain"))
	assert.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduleOnce_UnknownHook(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	assert.False(t, s.ScheduleOnce(time.Millisecond, "missing"))
	assert.False(t, s.IsScheduled("missing"))
}

func TestStop_CancelsPendingAndRejectsNew(t *testing.T) {
	s := New(zap.NewNop())

	var runs atomic.Int32
	s.Register("drain", func(ctx context.Context) { runs.Add(1) })

	require.True(t, s.ScheduleOnce(time.Hour, "drain"))
	s.Stop()
	s.Stop()

	assert.False(t, s.IsScheduled("drain"))
	assert.False(t, s.ScheduleOnce(time.Millisecond, "drain"))
	assert.Zero(t, runs.Load())
}

func TestStop_WaitsForRunningHook(t *testing.T) {
	s := New(zap.NewNop())

	started := make(chan struct{})
	var finished atomic.Bool
	s.Register("slow", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished.Store(true)
	})

	require.True(t, s.ScheduleOnce(0, "slow"))
	<-started
	s.Stop()
	assert.True(t, finished.Load())
}
