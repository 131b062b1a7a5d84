// Package jobrunner executes asynchronous application jobs (deploy, update,
// clone, delete, adopt, action) at most once in flight per application,
// retrying only spec.md §7's retryable failures (unreachable/TLS/timeout,
// classified via internal/pve.Retryable) with an exponential backoff before
// leaving the application in a terminal status; any other failure is left
// as-is on the first attempt, since a retry cannot fix cluster state.
//
// Grounded on internal/daemon's JobOrchestrator: a job loads its own state,
// drives it to completion against a backend, and records a terminal event
// on failure. jobrunner generalizes that single-attempt shape into the
// explicit retry policy of spec.md §4.8 (60s * 2^attempt, max_attempts=3)
// and swaps the teacher's stdlib *log.Logger for a per-job zerolog context,
// the pattern cuemby-warren's pkg/log/scheduler use for long-running loops.
package jobrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentlab/prox-orchd/internal/db"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

// Attempt is the work a job performs. It receives the submitter's context
// detached from its cancellation (the Runner has no stop method, so nothing
// cancels it, including daemon shutdown) and a logger already tagged with
// job/app/kind/attempt fields.
type Attempt func(ctx context.Context, logger zerolog.Logger) error

// Runner serializes job execution per application id: a second Submit for
// an application already running a job waits for the in-flight attempt to
// finish (and any retries it schedules) rather than running concurrently.
type Runner struct {
	store *db.Store

	backoffBase time.Duration
	maxAttempts int

	mu    sync.Mutex
	locks map[string]*sync.Mutex // appID -> single-flight lock

	wg sync.WaitGroup

	now func() time.Time
}

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithBackoffBase overrides the default 60s backoff base.
func WithBackoffBase(d time.Duration) Option {
	return func(r *Runner) { r.backoffBase = d }
}

// WithMaxAttempts overrides the default 3 max attempts.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) { r.maxAttempts = n }
}

// New constructs a Runner backed by store for job persistence.
func New(store *db.Store, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		backoffBase: 60 * time.Second,
		maxAttempts: 3,
		locks:       make(map[string]*sync.Mutex),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// appLock returns the single-flight mutex for appID, creating it if absent.
func (r *Runner) appLock(appID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[appID] = l
	}
	return l
}

// Submit creates a job record and runs attempt in a new goroutine that first
// takes appID's single-flight lock, so a later job for the same appID starts
// only after this job (and any retries) finish. Submit itself never waits
// on that lock and returns the job id immediately; callers observe outcome via the jobs
// table or ListJobsForApplication.
func (r *Runner) Submit(ctx context.Context, appID string, kind models.JobKind, attempt Attempt) (string, error) {
	if r == nil || r.store == nil {
		return "", fmt.Errorf("jobrunner: runner is not initialized")
	}
	if appID == "" {
		return "", fmt.Errorf("jobrunner: app id is required")
	}

	job := models.JobRecord{
		ID:          uuid.NewString(),
		AppID:       appID,
		Kind:        kind,
		Status:      models.JobQueued,
		Attempt:     1,
		MaxAttempts: r.maxAttempts,
		CreatedAt:   r.now(),
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("jobrunner: create job: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		lock := r.appLock(appID)
		lock.Lock()
		defer lock.Unlock()
		r.run(context.WithoutCancel(ctx), job, attempt)
	}()

	return job.ID, nil
}

// run drives job through running -> succeeded, or running -> failed and,
// while attempts remain and the failure is classified retryable by
// internal/pve.Retryable, a slept retry at an exponential backoff. It never
// returns an error; outcomes are observable only through the jobs table.
func (r *Runner) run(ctx context.Context, job models.JobRecord, attempt Attempt) {
	for {
		logger := log.With().
			Str("job_id", job.ID).
			Str("app_id", job.AppID).
			Str("kind", string(job.Kind)).
			Int("attempt", job.Attempt).
			Logger()

		if err := r.store.MarkJobRunning(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("mark job running failed")
			return
		}
		logger.Info().Msg("job attempt starting")

		err := attempt(ctx, logger)
		if err == nil {
			if markErr := r.store.MarkJobSucceeded(ctx, job.ID); markErr != nil {
				logger.Error().Err(markErr).Msg("mark job succeeded failed")
			}
			logger.Info().Msg("job succeeded")
			return
		}

		logger.Error().Err(err).Msg("job attempt failed")

		if !pve.Retryable(err) {
			if markErr := r.store.MarkJobFailed(ctx, job.ID, err, time.Time{}); markErr != nil {
				logger.Error().Err(markErr).Msg("mark job failed (non-retryable) failed")
			}
			logger.Warn().Msg("job failed with a non-retryable error, leaving application in error")
			return
		}

		if job.Attempt >= job.MaxAttempts {
			if markErr := r.store.MarkJobFailed(ctx, job.ID, err, time.Time{}); markErr != nil {
				logger.Error().Err(markErr).Msg("mark job failed (exhausted) failed")
			}
			logger.Warn().Int("max_attempts", job.MaxAttempts).Msg("job attempts exhausted, leaving application in error")
			return
		}

		backoff := r.backoffBase * time.Duration(1<<uint(job.Attempt))
		nextRetryAt := r.now().Add(backoff)
		if markErr := r.store.MarkJobFailed(ctx, job.ID, err, nextRetryAt); markErr != nil {
			logger.Error().Err(markErr).Msg("mark job failed (will retry) failed")
			return
		}
		logger.Warn().Dur("backoff", backoff).Time("next_retry_at", nextRetryAt).Msg("job will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		job.Attempt++
	}
}

// Wait blocks until every job submitted through this Runner (including
// queued retries) has reached succeeded or failed-exhausted. Intended for
// tests and graceful shutdown. Wait has no timeout of its own; a caller
// that wants a bounded grace period races it against a timer.
func (r *Runner) Wait() {
	r.wg.Wait()
}
