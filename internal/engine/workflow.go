package engine

import (
	"context"
	"time"

	"github.com/congressops/planloom/internal/model"
)

// AcquireLock answers Locks.AcquireLock (spec §6), delegating to C8.
func (e *Engine) AcquireLock(ctx context.Context, planID, taskID, userID string, ttl time.Duration) (model.TaskLock, error) {
	return e.locks.Acquire(ctx, planID, taskID, userID, ttl, time.Now().UTC())
}

// ReleaseLock answers Locks.ReleaseLock.
func (e *Engine) ReleaseLock(ctx context.Context, planID, taskID, userID string) error {
	return e.locks.Release(ctx, planID, taskID, userID, time.Now().UTC())
}

// GetLock answers Locks.GetLock. held is false both when no lock row exists
// and when one exists but has expired (C8 evaluates expiry lazily).
func (e *Engine) GetLock(ctx context.Context, planID, taskID string) (lock model.TaskLock, held bool, err error) {
	return e.locks.Get(ctx, planID, taskID, time.Now().UTC())
}

// IngestEvent answers Events.IngestEvent, returning the stored event and
// whatever proposed actions its event_type rule derived (spec §4.9).
func (e *Engine) IngestEvent(ctx context.Context, event model.ExternalEvent) (model.ExternalEvent, []model.ProposedAction, error) {
	return e.events.Ingest(ctx, event)
}

// ListEvents answers Events.ListEvents.
func (e *Engine) ListEvents(ctx context.Context, planID string) ([]model.ExternalEvent, error) {
	return e.repo.ListEvents(ctx, planID)
}

// DeleteEvent answers Events.DeleteEvent.
func (e *Engine) DeleteEvent(ctx context.Context, planID string, eventID int64) error {
	return e.events.DeleteEvent(ctx, planID, eventID)
}

// ListProposedActions answers Actions.ListProposedActions. An empty status
// returns every action for the plan; repo.ListProposedActions has no
// status parameter of its own, so the optional filter is applied here.
func (e *Engine) ListProposedActions(ctx context.Context, planID string, status model.ActionStatus) ([]model.ProposedAction, error) {
	actions, err := e.repo.ListProposedActions(ctx, planID)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return actions, nil
	}
	filtered := make([]model.ProposedAction, 0, len(actions))
	for _, a := range actions {
		if a.Status == status {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// ApproveAction answers Actions.ApproveAction, applying the action's
// mutation to its target task and flipping its status in one transaction.
func (e *Engine) ApproveAction(ctx context.Context, actor, planID string, actionID int64) (model.ProposedAction, error) {
	return e.events.Approve(ctx, actor, planID, actionID)
}

// RejectAction answers Actions.RejectAction.
func (e *Engine) RejectAction(ctx context.Context, actor, planID string, actionID int64) (model.ProposedAction, error) {
	return e.events.Reject(ctx, actor, planID, actionID)
}

// DeleteAction answers Actions.DeleteAction.
func (e *Engine) DeleteAction(ctx context.Context, planID string, actionID int64) error {
	return e.events.DeleteAction(ctx, planID, actionID)
}
