package bot

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/murailocrm/internal/bot/tasks"
	"github.com/edgard/murailocrm/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_SchedulesOnlyValidEnabledTasks(t *testing.T) {
	noop := func(context.Context) error { return nil }
	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"merge_sweep":     {Enabled: true, Schedule: "0 */15 * * * *"},
		"sql_maintenance": {Enabled: false, Schedule: "0 0 3 * * *"},
		"unknown":         {Enabled: true, Schedule: "0 0 * * * *"},
		"bad_schedule":    {Enabled: true, Schedule: "not a cron"},
		"empty":           {Enabled: true},
	}}
	registry := map[string]tasks.ScheduledTaskFunc{
		"merge_sweep":     noop,
		"sql_maintenance": noop,
		"bad_schedule":    noop,
		"empty":           noop,
	}

	s, err := NewScheduler(discard(), cfg, registry)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	assert.Equal(t, 1, s.Scheduled())
	assert.ErrorIs(t, s.Start(), ErrSchedulerRunning)
}

func TestScheduler_RunsTask(t *testing.T) {
	var runs atomic.Int32
	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"tick": {Enabled: true, Schedule: "* * * * * *"},
	}}
	registry := map[string]tasks.ScheduledTaskFunc{
		"tick": func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	s, err := NewScheduler(discard(), cfg, registry)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stopping twice is a no-op")
}

func TestScheduler_NoTasks(t *testing.T) {
	s, err := NewScheduler(discard(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Zero(t, s.Scheduled())
	require.NoError(t, s.Stop())
}
