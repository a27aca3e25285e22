package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/congressops/planloom/internal/lockmgr"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, repo.Repository) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.Open(ctx, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	locks := lockmgr.New(r, 15*time.Minute, nil)
	return New(r, locks, nil), r
}

func seedTask(t *testing.T, r repo.Repository, due time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreatePlan(ctx, model.Plan{ID: "p1", Name: "Congress"}))
	require.NoError(t, tx.CreateBucket(ctx, model.Bucket{ID: "b1", PlanID: "p1", Name: "Logistics"}))
	require.NoError(t, tx.CreateTask(ctx, model.Task{
		PlanID: "p1", ID: "t3", BucketID: "b1", Title: "Confirm keynote flight",
		Status: model.StatusInProgress, Due: &due,
	}))
	require.NoError(t, tx.Commit())
}

func TestIngestFlightCancellationDerivesShiftDueDateAction(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedTask(t, s.repo, due)

	event := model.ExternalEvent{
		PlanID: "p1", EventType: "flight_cancellation", Title: "Keynote flight cancelled",
		Severity: model.SeverityHigh, AffectedTaskIDs: []string{"t3"},
		Payload: map[string]any{"shift_days": float64(2)},
	}
	savedEvent, actions, err := s.Ingest(ctx, event)
	require.NoError(t, err)
	require.NotZero(t, savedEvent.ID)
	require.Len(t, actions, 1)
	require.Equal(t, "shift_due_date", actions[0].ActionType)
	require.Equal(t, "t3", actions[0].TargetTaskID)
	require.Equal(t, model.ActionPending, actions[0].Status)
}

func TestIngestUnknownEventTypeProducesNoActions(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seedTask(t, s.repo, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	event := model.ExternalEvent{PlanID: "p1", EventType: "venue_double_booked", Title: "Venue issue"}
	savedEvent, actions, err := s.Ingest(ctx, event)
	require.NoError(t, err)
	require.NotZero(t, savedEvent.ID)
	require.Empty(t, actions)
}

func TestApproveShiftsDueDateAndMarksApprovedAtomically(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedTask(t, r, due)

	event := model.ExternalEvent{
		PlanID: "p1", EventType: "flight_cancellation", Title: "Keynote flight cancelled",
		AffectedTaskIDs: []string{"t3"}, Payload: map[string]any{"shift_days": float64(2)},
	}
	_, actions, err := s.Ingest(ctx, event)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	approved, err := s.Approve(ctx, "alice", "p1", actions[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.ActionApproved, approved.Status)
	require.NotNil(t, approved.DecidedAt)
	require.Equal(t, "alice", approved.DecidedBy)

	snapshot, err := r.LoadPlan(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snapshot.Tasks, 1)
	require.NotNil(t, snapshot.Tasks[0].Due)
	require.Equal(t, due.AddDate(0, 0, 2), *snapshot.Tasks[0].Due)
}

func TestApproveIsIdempotentOnceApproved(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	seedTask(t, r, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	event := model.ExternalEvent{
		PlanID: "p1", EventType: "flight_cancellation", Title: "Keynote flight cancelled",
		AffectedTaskIDs: []string{"t3"}, Payload: map[string]any{"shift_days": float64(2)},
	}
	_, actions, err := s.Ingest(ctx, event)
	require.NoError(t, err)

	first, err := s.Approve(ctx, "alice", "p1", actions[0].ID)
	require.NoError(t, err)

	second, err := s.Approve(ctx, "bob", "p1", actions[0].ID)
	require.NoError(t, err)
	require.Equal(t, first.DecidedBy, second.DecidedBy, "idempotent approve must not re-decide")
}

func TestRejectThenApproveFailsWithAlreadyDecided(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	seedTask(t, r, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	event := model.ExternalEvent{
		PlanID: "p1", EventType: "flight_cancellation", Title: "Keynote flight cancelled",
		AffectedTaskIDs: []string{"t3"}, Payload: map[string]any{"shift_days": float64(2)},
	}
	_, actions, err := s.Ingest(ctx, event)
	require.NoError(t, err)

	_, err = s.Reject(ctx, "alice", "p1", actions[0].ID)
	require.NoError(t, err)

	_, err = s.Approve(ctx, "alice", "p1", actions[0].ID)
	var conflict *perr.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, perr.ConflictActionAlreadyDecided, conflict.Kind)
}

func TestApproveUnknownActionFails(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Approve(context.Background(), "alice", "p1", 999)
	var notFound *perr.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestParticipantMeetingCancelledDerivesReassignAction(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	seedTask(t, r, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	event := model.ExternalEvent{
		PlanID: "p1", EventType: "participant_meeting_cancelled", Title: "Speaker meeting cancelled",
		AffectedTaskIDs: []string{"t3"}, Payload: map[string]any{"reason": "speaker withdrew"},
	}
	_, actions, err := s.Ingest(ctx, event)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "reassign_or_reschedule", actions[0].ActionType)

	approved, err := s.Approve(ctx, "alice", "p1", actions[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.ActionApproved, approved.Status)

	snapshot, err := r.LoadPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusBlocked, snapshot.Tasks[0].Status)
	require.Empty(t, snapshot.Tasks[0].Assignees)
}
