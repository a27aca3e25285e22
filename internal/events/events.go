// Package events implements C9: the external-event intake and the
// proposed-action approval workflow built on top of it (spec §4.9). Event
// types dispatch through a small table-driven rule registry rather than a
// type switch, so new integrations register a rule instead of touching the
// approval path.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/congressops/planloom/internal/lockmgr"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
)

// Rule derives zero or more proposed actions from a freshly ingested event.
// A rule never touches storage; Ingest persists whatever it returns.
type Rule func(event model.ExternalEvent) []model.ProposedAction

// Registry maps event_type to the rule that reacts to it. Unknown types
// persist the event with no derived actions (spec §4.9).
type Registry map[string]Rule

// DefaultRegistry is the reference rule set named in spec §4.9.
func DefaultRegistry() Registry {
	return Registry{
		"flight_cancellation":          shiftDueDateRule,
		"participant_meeting_cancelled": reassignRule,
	}
}

func shiftDueDateRule(event model.ExternalEvent) []model.ProposedAction {
	shiftDays, _ := payloadInt(event.Payload, "shift_days")
	if shiftDays < 1 {
		shiftDays = 1
	}
	actions := make([]model.ProposedAction, 0, len(event.AffectedTaskIDs))
	for _, taskID := range event.AffectedTaskIDs {
		actions = append(actions, model.ProposedAction{
			PlanID:       event.PlanID,
			TargetTaskID: taskID,
			ActionType:   "shift_due_date",
			Title:        fmt.Sprintf("Shift due date by %d day(s)", shiftDays),
			Description:  fmt.Sprintf("Derived from %s: %s", event.EventType, event.Title),
			Payload:      map[string]any{"shift_days": shiftDays},
			Status:       model.ActionPending,
			CreatedAt:    event.CreatedAt,
		})
	}
	return actions
}

func reassignRule(event model.ExternalEvent) []model.ProposedAction {
	reason, _ := event.Payload["reason"].(string)
	if reason == "" {
		reason = event.Title
	}
	actions := make([]model.ProposedAction, 0, len(event.AffectedTaskIDs))
	for _, taskID := range event.AffectedTaskIDs {
		actions = append(actions, model.ProposedAction{
			PlanID:       event.PlanID,
			TargetTaskID: taskID,
			ActionType:   "reassign_or_reschedule",
			Title:        "Reassign or reschedule",
			Description:  fmt.Sprintf("Derived from %s: %s", event.EventType, event.Title),
			Payload:      map[string]any{"reason": reason},
			Status:       model.ActionPending,
			CreatedAt:    event.CreatedAt,
		})
	}
	return actions
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Service is C9's entry point: event ingestion plus the approve/reject/
// delete transitions over the proposed actions it derives.
type Service struct {
	repo  repo.Repository
	locks *lockmgr.Manager
	rules Registry
}

// New builds a Service. A nil registry falls back to DefaultRegistry.
func New(r repo.Repository, locks *lockmgr.Manager, rules Registry) *Service {
	if rules == nil {
		rules = DefaultRegistry()
	}
	return &Service{repo: r, locks: locks, rules: rules}
}

// Ingest persists event and synthesizes proposed actions from the rule
// registered for its event_type, if any (spec §4.9).
func (s *Service) Ingest(ctx context.Context, event model.ExternalEvent) (model.ExternalEvent, []model.ProposedAction, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	id, err := s.repo.PutEvent(ctx, event)
	if err != nil {
		return model.ExternalEvent{}, nil, err
	}
	event.ID = id

	rule, ok := s.rules[event.EventType]
	if !ok {
		return event, nil, nil
	}

	derived := rule(event)
	actions := make([]model.ProposedAction, 0, len(derived))
	for _, a := range derived {
		eventID := event.ID
		a.ExternalEventID = &eventID
		actionID, err := s.repo.PutProposedAction(ctx, a)
		if err != nil {
			return event, actions, err
		}
		a.ID = actionID
		actions = append(actions, a)
	}
	return event, actions, nil
}

// DeleteEvent removes an event row outright (independent of any actions
// derived from it).
func (s *Service) DeleteEvent(ctx context.Context, planID string, eventID int64) error {
	return s.repo.DeleteEvent(ctx, planID, eventID)
}

func (s *Service) findAction(ctx context.Context, planID string, actionID int64) (model.ProposedAction, error) {
	actions, err := s.repo.ListProposedActions(ctx, planID)
	if err != nil {
		return model.ProposedAction{}, err
	}
	for _, a := range actions {
		if a.ID == actionID {
			return a, nil
		}
	}
	return model.ProposedAction{}, perr.NewNotFound("Action", fmt.Sprintf("%d", actionID))
}

// Approve moves action to approved and applies the mutation implied by its
// payload to the target task, atomically — both the task write and the
// action's status transition happen in the same internal/repo.Tx, so a
// reader never observes one without the other (spec §4.9, S4). Approving
// an already-approved action is a no-op that returns the existing state
// (spec §4.9: idempotent).
func (s *Service) Approve(ctx context.Context, actor, planID string, actionID int64) (model.ProposedAction, error) {
	action, err := s.findAction(ctx, planID, actionID)
	if err != nil {
		return model.ProposedAction{}, err
	}
	if action.Status == model.ActionApproved {
		return action, nil
	}
	if action.Status == model.ActionRejected {
		return model.ProposedAction{}, perr.NewConflict(perr.ConflictActionAlreadyDecided, "action already rejected")
	}

	if err := s.locks.CheckMutationAllowed(ctx, planID, action.TargetTaskID, actor, time.Now()); err != nil {
		return model.ProposedAction{}, err
	}

	now := time.Now().UTC()
	action.Status = model.ActionApproved
	action.DecidedAt = &now
	action.DecidedBy = actor

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return model.ProposedAction{}, err
	}
	if err := s.applyAction(ctx, tx, action); err != nil {
		_ = tx.Rollback()
		return model.ProposedAction{}, err
	}
	if _, err := tx.PutProposedAction(ctx, action); err != nil {
		_ = tx.Rollback()
		return model.ProposedAction{}, err
	}
	if err := tx.AppendAudit(ctx, model.AuditEntry{
		PlanID: planID, Actor: actor, Action: "ApproveAction", TargetID: fmt.Sprintf("%d", actionID), CreatedAt: now,
	}); err != nil {
		_ = tx.Rollback()
		return model.ProposedAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.ProposedAction{}, err
	}
	return action, nil
}

// Reject moves action to rejected without touching the target task.
func (s *Service) Reject(ctx context.Context, actor, planID string, actionID int64) (model.ProposedAction, error) {
	action, err := s.findAction(ctx, planID, actionID)
	if err != nil {
		return model.ProposedAction{}, err
	}
	if action.Status == model.ActionRejected {
		return action, nil
	}
	if action.Status == model.ActionApproved {
		return model.ProposedAction{}, perr.NewConflict(perr.ConflictActionAlreadyDecided, "action already approved")
	}

	now := time.Now().UTC()
	action.Status = model.ActionRejected
	action.DecidedAt = &now
	action.DecidedBy = actor
	if _, err := s.repo.PutProposedAction(ctx, action); err != nil {
		return model.ProposedAction{}, err
	}
	if err := s.repo.AppendAudit(ctx, model.AuditEntry{
		PlanID: planID, Actor: actor, Action: "RejectAction", TargetID: fmt.Sprintf("%d", actionID), CreatedAt: now,
	}); err != nil {
		return model.ProposedAction{}, err
	}
	return action, nil
}

// DeleteAction removes a proposed action row regardless of its status,
// distinct from Reject (spec §4.9).
func (s *Service) DeleteAction(ctx context.Context, planID string, actionID int64) error {
	return s.repo.DeleteProposedAction(ctx, planID, actionID)
}

// applyAction dispatches an approved action's payload to the matching task
// mutation, inside tx. action_type values outside this table fail closed
// rather than silently no-op, since an approval that changes nothing would
// strand the event in a misleadingly "handled" state.
func (s *Service) applyAction(ctx context.Context, tx repo.Tx, action model.ProposedAction) error {
	switch action.ActionType {
	case "shift_due_date":
		return s.applyShiftDueDate(ctx, tx, action)
	case "reassign_or_reschedule":
		return s.applyReassign(ctx, tx, action)
	default:
		return perr.NewValidation("action_type", fmt.Sprintf("no mutation registered for %q", action.ActionType))
	}
}

func (s *Service) applyShiftDueDate(ctx context.Context, tx repo.Tx, action model.ProposedAction) error {
	shiftDays, ok := payloadInt(action.Payload, "shift_days")
	if !ok {
		return perr.NewValidation("shift_days", "missing or non-numeric")
	}

	task, err := loadTask(ctx, tx, action.PlanID, action.TargetTaskID)
	if err != nil {
		return err
	}
	delta := time.Duration(shiftDays) * 24 * time.Hour
	if task.Due != nil {
		shifted := task.Due.Add(delta)
		task.Due = &shifted
	}
	if task.Start != nil {
		shifted := task.Start.Add(delta)
		task.Start = &shifted
	}
	task.UpdatedAt = time.Now().UTC()
	return tx.UpdateTask(ctx, task)
}

// applyReassign clears the task's assignees and marks it Blocked, flagging
// it for a human to pick it back up (spec §4.9 leaves the concrete mutation
// unspecified beyond "payload records reason").
func (s *Service) applyReassign(ctx context.Context, tx repo.Tx, action model.ProposedAction) error {
	task, err := loadTask(ctx, tx, action.PlanID, action.TargetTaskID)
	if err != nil {
		return err
	}
	task.Assignees = nil
	task.Status = model.StatusBlocked
	task.UpdatedAt = time.Now().UTC()
	return tx.UpdateTask(ctx, task)
}

func loadTask(ctx context.Context, tx repo.Tx, planID, taskID string) (model.Task, error) {
	snapshot, err := tx.LoadPlan(ctx, planID)
	if err != nil {
		return model.Task{}, err
	}
	for _, t := range snapshot.Tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return model.Task{}, perr.NewNotFound("Task", taskID)
}
