package mutation

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

func newService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	r, err := repo.Open(ctx, filepath.Join(t.TempDir(), "mutation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	locks := lockmgr.New(r, 15*time.Minute, nil)
	return New(r, locks)
}

func seedPlan(t *testing.T, s *Service, planID string) {
	t.Helper()
	err := s.withTx(context.Background(), func(tx repo.Tx) error {
		if err := tx.CreatePlan(context.Background(), model.Plan{ID: planID, Name: "Congress"}); err != nil {
			return err
		}
		return tx.CreateBucket(context.Background(), model.Bucket{ID: "b1", PlanID: planID, Name: "Registration"})
	})
	require.NoError(t, err)
}

func TestCreateAndUpdateTaskReportsDirtyFlag(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	task := model.Task{PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue", Status: model.StatusNotStarted}
	res, err := s.CreateTask(ctx, "alice", task)
	require.NoError(t, err)
	require.True(t, res.DirtySinceSync)

	same := task
	res, err = s.UpdateTask(ctx, "alice", same)
	require.NoError(t, err)
	require.False(t, res.DirtySinceSync, "identical write should not be dirty")

	changed := task
	changed.Title = "Book venue (confirmed)"
	res, err = s.UpdateTask(ctx, "alice", changed)
	require.NoError(t, err)
	require.True(t, res.DirtySinceSync)
}

func TestUpdateTaskRespectsLockHeldByOther(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	task := model.Task{PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue"}
	_, err := s.CreateTask(ctx, "alice", task)
	require.NoError(t, err)

	_, err = s.locks.Acquire(ctx, "p1", "t1", "alice", 0, time.Now())
	require.NoError(t, err)

	_, err = s.UpdateTask(ctx, "bob", task)
	var conflict *perr.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, perr.ConflictLockedByOther, conflict.Kind)
}

func TestCreateTaskRejectsPercentOutOfRange(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "alice", model.Task{
		PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue",
		Status: model.StatusNotStarted, PercentComplete: 101,
	})
	var validation *perr.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "percent_complete", validation.Field)
}

func TestCreateTaskRejectsStatusPercentMismatch(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "alice", model.Task{
		PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue",
		Status: model.StatusNotStarted, PercentComplete: 50,
	})
	var validation *perr.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "percent_complete", validation.Field)
}

func TestCreateTaskRejectsCompletedWithoutCompletedAt(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "alice", model.Task{
		PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue",
		Status: model.StatusCompleted, PercentComplete: 100,
	})
	var validation *perr.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "completed_at", validation.Field)
}

func TestCreateTaskRejectsStartAfterDue(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.CreateTask(ctx, "alice", model.Task{
		PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue",
		Status: model.StatusNotStarted, Start: &start, Due: &due,
	})
	var validation *perr.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "start", validation.Field)
}

func TestUpdateTaskRejectsPercentRegression(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	task := model.Task{
		PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue",
		Status: model.StatusInProgress, PercentComplete: 60,
	}
	_, err := s.CreateTask(ctx, "alice", task)
	require.NoError(t, err)

	regressed := task
	regressed.PercentComplete = 30
	_, err = s.UpdateTask(ctx, "alice", regressed)
	var validation *perr.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "percent_complete", validation.Field)
}

func TestAddDependencyRefusesCycle(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, err := s.CreateTask(ctx, "alice", model.Task{PlanID: "p1", ID: id, BucketID: "b1", Title: id})
		require.NoError(t, err)
	}

	require.NoError(t, s.AddDependency(ctx, "alice", model.Dependency{PlanID: "p1", PredecessorID: "t1", SuccessorID: "t2", Type: model.DepFS}))

	err := s.AddDependency(ctx, "alice", model.Dependency{PlanID: "p1", PredecessorID: "t2", SuccessorID: "t1", Type: model.DepFS})
	var cycle *perr.CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestAddDependencyRejectsDuplicate(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, err := s.CreateTask(ctx, "alice", model.Task{PlanID: "p1", ID: id, BucketID: "b1", Title: id})
		require.NoError(t, err)
	}

	require.NoError(t, s.AddDependency(ctx, "alice", model.Dependency{PlanID: "p1", PredecessorID: "t1", SuccessorID: "t2", Type: model.DepFS}))

	err := s.AddDependency(ctx, "alice", model.Dependency{PlanID: "p1", PredecessorID: "t1", SuccessorID: "t2", Type: model.DepSS})
	var conflict *perr.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, perr.ConflictDuplicateDependency, conflict.Kind)
}

func TestCloneTemplateShiftsDatesAndResetsProgress(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	completed := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	task := model.Task{
		PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue",
		Status: model.StatusCompleted, PercentComplete: 100, Due: &due, CompletedAt: &completed,
	}
	_, err := s.CreateTask(ctx, "alice", task)
	require.NoError(t, err)

	target := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	plan, err := s.CloneTemplate(ctx, "p1", "p2", CloneOptions{TargetEventDate: target})
	require.NoError(t, err)
	require.Equal(t, "p2", plan.ID)

	snapshot, err := s.repo.LoadPlan(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, snapshot.Tasks, 1)
	clonedTask := snapshot.Tasks[0]
	require.Equal(t, model.StatusNotStarted, clonedTask.Status)
	require.Equal(t, 0, clonedTask.PercentComplete)
	require.NotNil(t, clonedTask.Due)
	require.Equal(t, target, *clonedTask.Due)
	require.NotEqual(t, "t1", clonedTask.ID)
}

func TestCloneTemplatePreservesSemanticIDsWhenRequested(t *testing.T) {
	s := newService(t)
	seedPlan(t, s, "p1")
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "alice", model.Task{PlanID: "p1", ID: "t1", BucketID: "b1", Title: "Book venue"})
	require.NoError(t, err)

	target := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.CloneTemplate(ctx, "p1", "p2", CloneOptions{TargetEventDate: target, PreserveSemanticIDs: true})
	require.NoError(t, err)

	snapshot, err := s.repo.LoadPlan(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, "t1", snapshot.Tasks[0].ID)
}

func TestMidpointOrderHintSortsBetweenNeighbors(t *testing.T) {
	mid := MidpointOrderHint("a", "b")
	require.Greater(t, mid, "a")
	require.Less(t, mid, "b")

	start := MidpointOrderHint("", "m")
	require.Less(t, start, "m")

	end := MidpointOrderHint("m", "")
	require.Greater(t, end, "m")

	unbounded := MidpointOrderHint("", "")
	require.NotEmpty(t, unbounded)
}
