package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/prox-orchd/internal/db"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "jobrunner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestApp(t *testing.T, store *db.Store, id string) {
	t.Helper()
	err := store.CreateApplication(context.Background(), models.Application{
		ID:       id,
		Name:     id,
		Hostname: id + ".prox.local",
		HostID:   "host-1",
		Status:   models.StatusPending,
	})
	require.NoError(t, err)
}

func TestSubmitSuccess(t *testing.T) {
	store := openTestStore(t)
	createTestApp(t, store, "app-1")
	r := New(store, WithBackoffBase(time.Millisecond))

	var calls int32
	jobID, err := r.Submit(context.Background(), "app-1", models.JobKindDeploy, func(ctx context.Context, logger zerolog.Logger) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempt)
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	store := openTestStore(t)
	createTestApp(t, store, "app-1")
	r := New(store, WithBackoffBase(time.Millisecond), WithMaxAttempts(3))

	var calls int32
	jobID, err := r.Submit(context.Background(), "app-1", models.JobKindDeploy, func(ctx context.Context, logger zerolog.Logger) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return fmt.Errorf("dial pve: %w", pve.ErrUnreachable)
		}
		return nil
	})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
}

func TestSubmitExhaustsRetries(t *testing.T) {
	store := openTestStore(t)
	createTestApp(t, store, "app-1")
	r := New(store, WithBackoffBase(time.Millisecond), WithMaxAttempts(2))

	var calls int32
	jobID, err := r.Submit(context.Background(), "app-1", models.JobKindDeploy, func(ctx context.Context, logger zerolog.Logger) error {
		atomic.AddInt32(&calls, 1)
		return fmt.Errorf("dial pve: %w", pve.ErrUnreachable)
	})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
}

func TestSubmitFailsImmediatelyOnNonRetryableError(t *testing.T) {
	store := openTestStore(t)
	createTestApp(t, store, "app-1")
	r := New(store, WithBackoffBase(time.Millisecond), WithMaxAttempts(3))

	var calls int32
	jobID, err := r.Submit(context.Background(), "app-1", models.JobKindDeploy, func(ctx context.Context, logger zerolog.Logger) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("permanent failure")
	})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "permanent failure", job.Error)
}

func TestSubmitSerializesPerApplication(t *testing.T) {
	store := openTestStore(t)
	createTestApp(t, store, "app-1")
	r := New(store, WithBackoffBase(time.Millisecond))

	var mu sync.Mutex
	var order []string
	var inFlight int32

	attempt := func(name string, delay time.Duration) Attempt {
		return func(ctx context.Context, logger zerolog.Logger) error {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				t.Errorf("more than one job in flight for app-1")
			}
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			return nil
		}
	}

	_, err := r.Submit(context.Background(), "app-1", models.JobKindDeploy, attempt("first", 20*time.Millisecond))
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), "app-1", models.JobKindAction, attempt("second", 0))
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSubmitRejectsMissingAppID(t *testing.T) {
	store := openTestStore(t)
	r := New(store)
	_, err := r.Submit(context.Background(), "", models.JobKindDeploy, func(ctx context.Context, logger zerolog.Logger) error {
		return nil
	})
	assert.Error(t, err)
}
