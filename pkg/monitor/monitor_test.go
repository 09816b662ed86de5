package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ArkLabsHQ/swapd/pkg/monitor"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, h monitor.TaskHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not stop in time")
	}
}

func TestMonitor(t *testing.T) {
	t.Run("canceled task", func(t *testing.T) {
		mon := monitor.New(
			monitor.WithStallThreshold(50*time.Millisecond),
			monitor.WithCheckInterval(10*time.Millisecond),
		)
		defer mon.Stop()

		handle, err := mon.Go("swap-1", func(ctx context.Context, hb monitor.Heartbeat) error {
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					hb.Tick()
				}
			}
		})
		require.NoError(t, err)
		require.True(t, mon.Running("swap-1"))

		time.Sleep(20 * time.Millisecond)
		handle.Stop()
		waitDone(t, handle)

		status := handle.Status()
		require.Equal(t, monitor.TaskStateCanceled, status.State)
		require.False(t, status.HeartbeatStalled)
		require.False(t, mon.Running("swap-1"))
	})

	t.Run("outcomes", func(t *testing.T) {
		mon := monitor.New()
		defer mon.Stop()

		tests := []struct {
			name  string
			fn    monitor.TaskFunc
			state monitor.TaskState
		}{
			{"completed", func(context.Context, monitor.Heartbeat) error { return nil }, monitor.TaskStateCompleted},
			{"failed", func(context.Context, monitor.Heartbeat) error { return errors.New("boom") }, monitor.TaskStateFailed},
			{"panicked", func(context.Context, monitor.Heartbeat) error { panic("oops") }, monitor.TaskStatePanicked},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				handle, err := mon.Go(tt.name, tt.fn)
				require.NoError(t, err)
				waitDone(t, handle)
				require.Equal(t, tt.state, handle.Status().State)
			})
		}

		require.Equal(t, "boom", mon.Status("failed").Error)
		require.Equal(t, "oops", mon.Status("panicked").Panic)

		snapshot := mon.Snapshot()
		require.Len(t, snapshot.Tasks, 3)
		require.Equal(t, "completed", snapshot.Tasks[0].Name)
	})

	t.Run("one task per name", func(t *testing.T) {
		mon := monitor.New()
		defer mon.Stop()

		block := func(ctx context.Context, _ monitor.Heartbeat) error {
			<-ctx.Done()
			return ctx.Err()
		}
		handle, err := mon.Go("swap-1", block)
		require.NoError(t, err)

		_, err = mon.Go("swap-1", block)
		require.ErrorIs(t, err, monitor.ErrTaskRunning)

		require.True(t, mon.Cancel("swap-1"))
		waitDone(t, handle)
		require.False(t, mon.Cancel("swap-1"))

		handle, err = mon.Go("swap-1", block)
		require.NoError(t, err)
		require.Equal(t, monitor.TaskStateRunning, handle.Status().State)

		_, err = mon.Go("", block)
		require.Error(t, err)
	})

	t.Run("stall detection", func(t *testing.T) {
		mon := monitor.New(
			monitor.WithStallThreshold(20*time.Millisecond),
			monitor.WithCheckInterval(5*time.Millisecond),
		)
		defer mon.Stop()

		handle, err := mon.Go("quiet", func(ctx context.Context, _ monitor.Heartbeat) error {
			<-ctx.Done()
			return nil
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return handle.Status().HeartbeatStalled
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("stopped monitor", func(t *testing.T) {
		mon := monitor.New()
		mon.Stop()
		_, err := mon.Go("late", func(context.Context, monitor.Heartbeat) error { return nil })
		require.Error(t, err)
	})
}
