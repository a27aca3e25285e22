package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/congressops/planloom/internal/config"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/repo"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, repo.Repository) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.Open(ctx, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return New(r, config.Default(), nil), r
}

// seedLinearPlan builds plan -> bucket -> three tasks t1 -> t2 -> t3 with no
// dates or history, so each takes the fallback prior's PERT mean
// (1+4*3+7)/6 ≈ 3.33 days and the critical path is unambiguous.
func seedLinearPlan(t *testing.T, r repo.Repository, planID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, tx.CreatePlan(ctx, model.Plan{ID: planID, Name: "Congress 2027", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, tx.CreateBucket(ctx, model.Bucket{ID: "b1", PlanID: planID, Name: "Registration", OrderHint: "m"}))
	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, tx.CreateTask(ctx, model.Task{
			ID: id, PlanID: planID, BucketID: "b1", Title: id,
			Status: model.StatusNotStarted, Priority: i + 1, PercentComplete: 0,
			CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, tx.AddDependency(ctx, model.Dependency{PlanID: planID, PredecessorID: "t1", SuccessorID: "t2", Type: model.DepFS}))
	require.NoError(t, tx.AddDependency(ctx, model.Dependency{PlanID: planID, PredecessorID: "t2", SuccessorID: "t3", Type: model.DepFS}))
	require.NoError(t, tx.Commit())
}

func TestGetCriticalPathOrdersTasksFollowingDependencies(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	view, err := e.GetCriticalPath(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, view.OrderedTaskIDs)
	require.True(t, view.Timings["t1"].OnCriticalPath)
	require.True(t, view.Timings["t3"].OnCriticalPath)
}

func TestGetDependenciesReportsUpstreamAndDownstreamClosures(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	view, err := e.GetDependencies(ctx, "p1", "t2")
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, view.Upstream)
	require.Equal(t, []string{"t3"}, view.Downstream)
	require.Contains(t, view.ImpactStatement, "upstream")
}

func TestBuildGraphRepairingExcludesCyclicEdgeOnLoad(t *testing.T) {
	e, r := newEngine(t)
	ctx := context.Background()
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, tx.CreatePlan(ctx, model.Plan{ID: "p1", Name: "Congress", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, tx.CreateBucket(ctx, model.Bucket{ID: "b1", PlanID: "p1", Name: "Registration"}))
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, tx.CreateTask(ctx, model.Task{ID: id, PlanID: "p1", BucketID: "b1", Title: id, CreatedAt: now, UpdatedAt: now}))
	}
	require.NoError(t, tx.AddDependency(ctx, model.Dependency{PlanID: "p1", PredecessorID: "t1", SuccessorID: "t2", Type: model.DepFS}))
	// Written directly through the repository, bypassing internal/mutation's
	// cycle refusal, the way a corrupted or externally imported plan might.
	require.NoError(t, tx.AddDependency(ctx, model.Dependency{PlanID: "p1", PredecessorID: "t2", SuccessorID: "t1", Type: model.DepFS}))
	require.NoError(t, tx.Commit())

	view, err := e.GetCriticalPath(ctx, "p1")
	require.NoError(t, err)
	require.NotEmpty(t, view.Diagnostics)
	require.Len(t, view.OrderedTaskIDs, 2)
}

func TestAddDependencyRefusesCycleOutright(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	err := e.AddDependency(ctx, "alice", model.Dependency{PlanID: "p1", PredecessorID: "t3", SuccessorID: "t1", Type: model.DepFS})
	require.Error(t, err)
}

func TestGetMilestoneAnalysisSplitsBeforeAndAtRisk(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	analysis, err := e.GetMilestoneAnalysis(ctx, "p1", time.Now().UTC())
	require.NoError(t, err)
	require.NotEmpty(t, analysis.AtRisk, "default fallback durations push every task's earliest finish past 'now'")
	for i := 1; i < len(analysis.AtRisk); i++ {
		require.LessOrEqual(t, analysis.AtRisk[i-1].SlackDays, analysis.AtRisk[i].SlackDays)
	}
}

func TestRunMonteCarloIsDeterministicUnderFixedSeed(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()
	seed := uint64(42)

	first, err := e.RunMonteCarlo(ctx, "p1", MonteCarloOptions{Iterations: 200, Seed: &seed})
	require.NoError(t, err)
	second, err := e.RunMonteCarlo(ctx, "p1", MonteCarloOptions{Iterations: 200, Seed: &seed})
	require.NoError(t, err)
	require.Equal(t, first.PlanEndDays, second.PlanEndDays)
	require.Equal(t, first.Percentiles, second.Percentiles)
}

func TestComputeCostWeighsOverdueAndRemainingWork(t *testing.T) {
	e, r := newEngine(t)
	ctx := context.Background()
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	past := now.Add(-48 * time.Hour)
	require.NoError(t, tx.CreatePlan(ctx, model.Plan{ID: "p1", Name: "Congress", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, tx.CreateBucket(ctx, model.Bucket{ID: "b1", PlanID: "p1", Name: "Registration"}))
	require.NoError(t, tx.CreateTask(ctx, model.Task{
		ID: "t1", PlanID: "p1", BucketID: "b1", Title: "Overdue", Status: model.StatusInProgress,
		Priority: 2, PercentComplete: 50, Due: &past, Assignees: []string{"alice", "bob"},
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, tx.Commit())

	breakdown, err := e.ComputeCost(ctx, "p1", CostWeights{Priority: 1, OverdueDay: 2, RemainingWork: 10, Assignee: 1})
	require.NoError(t, err)
	require.Greater(t, breakdown.ByTask["t1"], 0.0)
	require.Equal(t, breakdown.ByTask["t1"], breakdown.ByBucket["b1"])
	require.Equal(t, breakdown.TotalCost, breakdown.ByTask["t1"])
}

func TestGetTaskIntelligenceIncludesSimulationsWhenRequested(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	bundle, err := e.GetTaskIntelligence(ctx, "p1", "t1", TaskIntelligenceOptions{IncludeSimulations: true, MonteCarloIterations: 100})
	require.NoError(t, err)
	require.Equal(t, "t1", bundle.TaskID)
	require.NotNil(t, bundle.MonteCarlo)
}

func TestGetTaskIntelligenceUnknownTaskFails(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	_, err := e.GetTaskIntelligence(ctx, "p1", "ghost", TaskIntelligenceOptions{})
	require.Error(t, err)
}

func TestLockAcquireReleaseRoundTripsThroughEngine(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	_, err := e.AcquireLock(ctx, "p1", "t1", "alice", 0)
	require.NoError(t, err)

	_, held, err := e.GetLock(ctx, "p1", "t1")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, e.ReleaseLock(ctx, "p1", "t1", "alice"))
	_, held, err = e.GetLock(ctx, "p1", "t1")
	require.NoError(t, err)
	require.False(t, held)
}

func TestIngestEventApproveActionFlow(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	_, actions, err := e.IngestEvent(ctx, model.ExternalEvent{
		PlanID: "p1", EventType: "flight_cancellation", Title: "Keynote flight cancelled",
		Severity: model.SeverityHigh, AffectedTaskIDs: []string{"t1"}, Payload: map[string]any{"shift_days": 2.0},
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)

	pending, err := e.ListProposedActions(ctx, "p1", model.ActionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := e.ApproveAction(ctx, "alice", "p1", actions[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.ActionApproved, approved.Status)

	task, err := e.GetTask(ctx, "p1", "t1")
	require.NoError(t, err)
	require.NotNil(t, task.Due)
}

func TestCloneTemplateProducesIndependentPlan(t *testing.T) {
	e, r := newEngine(t)
	seedLinearPlan(t, r, "p1")
	ctx := context.Background()

	eventDate := time.Now().UTC().Add(90 * 24 * time.Hour)
	clone, err := e.CloneTemplate(ctx, "p1", "p2", eventDate, false)
	require.NoError(t, err)
	require.Equal(t, "p2", clone.ID)

	tasks, err := e.GetTasks(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	original, err := e.GetTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, original, 3)
}
