package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// ErrInvalidTransition is returned when a caller asks for a status edge that
// allowedTransition refuses.
var ErrInvalidTransition = errors.New("invalid application state transition")

// Transition is the only writer of applications.status / state_changed_at.
// It refuses illegal edges and performs the write as a single
// compare-and-swap UPDATE, so a concurrent Transition call racing on the
// same row can only ever have one winner.
func (s *Store) Transition(ctx context.Context, appID string, from, to models.Status) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if from == to {
		return true, nil
	}
	if !allowedTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE applications SET status = ?, state_changed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now, now, appID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition application %s %s->%s: %w", appID, from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected transitioning application %s: %w", appID, err)
	}
	return affected > 0, nil
}

// ForceStatus overwrites status unconditionally, bypassing allowedTransition.
// Used only by the janitor to flip a stuck application to error and by
// force-delete paths; everything else must go through Transition.
func (s *Store) ForceStatus(ctx context.Context, appID string, to models.Status) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	now := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE applications SET status = ?, state_changed_at = ?, updated_at = ? WHERE id = ?`,
		string(to), now, now, appID)
	if err != nil {
		return fmt.Errorf("force application %s status to %s: %w", appID, to, err)
	}
	return nil
}

// allowedTransition encodes the application status transition table of
// spec.md §4.6:
//
//	pending   -> deploying, cloning, adopting, error
//	deploying -> running, error
//	cloning   -> running, error
//	adopting  -> running, stopped, error
//	running  <-> stopped
//	running   -> updating, removing, error
//	stopped   -> updating, removing, error
//	updating  -> running, update_failed, error
//	update_failed -> running, updating, removing, error
//	error     -> deploying, removing
//	removing  -> gone
//	gone      -> (terminal)
//
// error -> deploying and update_failed -> updating are retry re-entry
// edges, not part of spec.md's user-facing action graph: a jobrunner retry
// re-runs Pipeline.Deploy/Update/Restore from the terminal status the
// previous failed attempt's own cleanup left the row in, rather than from
// the status it started the first attempt from.
func allowedTransition(from, to models.Status) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusDeploying || to == models.StatusCloning || to == models.StatusAdopting || to == models.StatusError
	case models.StatusDeploying:
		return to == models.StatusRunning || to == models.StatusError
	case models.StatusCloning:
		return to == models.StatusRunning || to == models.StatusError
	case models.StatusAdopting:
		return to == models.StatusRunning || to == models.StatusStopped || to == models.StatusError
	case models.StatusRunning:
		return to == models.StatusStopped || to == models.StatusUpdating || to == models.StatusRemoving || to == models.StatusError
	case models.StatusStopped:
		return to == models.StatusRunning || to == models.StatusUpdating || to == models.StatusRemoving || to == models.StatusError
	case models.StatusUpdating:
		return to == models.StatusRunning || to == models.StatusUpdateFailed || to == models.StatusError
	case models.StatusUpdateFailed:
		return to == models.StatusRunning || to == models.StatusUpdating || to == models.StatusRemoving || to == models.StatusError
	case models.StatusError:
		return to == models.StatusDeploying || to == models.StatusRemoving
	case models.StatusRemoving:
		return to == models.StatusGone
	case models.StatusGone:
		return false
	default:
		return false
	}
}
