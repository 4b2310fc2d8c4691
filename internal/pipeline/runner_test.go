package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
)

type countResult struct {
	processed, failed int
}

func (r countResult) Counts() (int, int) { return r.processed, r.failed }
func (r countResult) Summary() string    { return "counted" }

func TestRunner_RecordsStatus(t *testing.T) {
	tests := []struct {
		name       string
		fn         JobFunc
		wantStatus string
		wantErr    bool
	}{
		{
			name:       "succeeded",
			fn:         func(context.Context) (Result, error) { return countResult{processed: 3}, nil },
			wantStatus: RunSucceeded,
		},
		{
			name:       "partial",
			fn:         func(context.Context) (Result, error) { return countResult{processed: 2, failed: 1}, nil },
			wantStatus: RunPartial,
		},
		{
			name:       "failed",
			fn:         func(context.Context) (Result, error) { return nil, errors.New("bank unreachable") },
			wantStatus: RunFailed,
			wantErr:    true,
		},
		{
			name: "interrupted",
			fn: func(ctx context.Context) (Result, error) {
				<-ctx.Done()
				return countResult{processed: 1}, ctx.Err()
			},
			wantStatus: RunInterrupted,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			metrics := newRecordingMetrics()
			runner := NewRunner(store, metrics, 50*time.Millisecond, nil)

			_, err := runner.Run(ctx, tt.name, tt.fn)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			runs, err := store.ListJobRuns(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			run := runs[0]
			assert.Equal(t, tt.name, run.Job)
			assert.Equal(t, tt.wantStatus, run.Status)
			assert.False(t, run.FinishedAt.IsZero())
			assert.Equal(t, 1, metrics.get("started"))
			assert.Equal(t, 1, metrics.get("job:"+tt.name+":"+tt.wantStatus))
		})
	}
}

func TestRunner_DetailCombinesSummaryAndError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	runner := NewRunner(store, nil, 0, nil)

	_, err := runner.Run(ctx, JobSync, func(context.Context) (Result, error) {
		return countResult{processed: 4, failed: 2}, errors.New("disk full")
	})
	require.Error(t, err)

	runs, err := store.ListJobRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Equal(t, "counted; disk full", runs[0].Detail)
	assert.Equal(t, 4, runs[0].Processed)
	assert.Equal(t, 2, runs[0].Failed)
}

func TestRunner_PassesRunID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	runner := NewRunner(store, nil, 0, nil)

	var seen string
	_, err := runner.Run(ctx, JobDispatch, func(ctx context.Context) (Result, error) {
		seen = generation.RunIDFrom(ctx)
		return countResult{}, nil
	})
	require.NoError(t, err)

	runs, err := store.ListJobRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runs[0].ID, seen)
}

type failingRecorder struct{}

func (failingRecorder) StartJobRun(context.Context, model.JobRun) error {
	return errors.New("database locked")
}

func (failingRecorder) FinishJobRun(context.Context, model.JobRun) error { return nil }

func TestRunner_StartRecordFailureSkipsJob(t *testing.T) {
	called := false
	runner := NewRunner(failingRecorder{}, nil, 0, nil)
	_, err := runner.Run(context.Background(), JobSync, func(context.Context) (Result, error) {
		called = true
		return nil, nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestScheduler_Add(t *testing.T) {
	store := newStore(t)
	sched := NewScheduler(NewRunner(store, nil, 0, nil), time.UTC, nil)
	noop := func(context.Context) (Result, error) { return countResult{}, nil }

	require.NoError(t, sched.Add("0 2 * * *", JobSync, noop))
	require.NoError(t, sched.Add("", JobReminder, noop), "an empty spec leaves the job off")
	assert.Error(t, sched.Add("every tuesday", JobDispatch, noop))

	sched.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	entries := sched.Entries()
	require.Len(t, entries, 1)
	next := entries[0]
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, next.After(time.Now()))
}
