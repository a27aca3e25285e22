package attention

import (
	"testing"
	"time"

	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/model"
	"github.com/stretchr/testify/require"
)

func due(t time.Time) *time.Time { return &t }

func TestBlockersIncludeExplicitAndImplicit(t *testing.T) {
	tasks := []model.Task{
		{ID: "T1", Status: model.StatusCompleted},
		{ID: "T2", Status: model.StatusNotStarted}, // depends on T1, completed -> not a blocker
		{ID: "T3", Status: model.StatusNotStarted}, // depends on T1... actually on T2 which is open
		{ID: "T4", Status: model.StatusBlocked},    // explicit
	}
	deps := []model.Dependency{
		{PlanID: "p1", PredecessorID: "T1", SuccessorID: "T2", Type: model.DepFS},
		{PlanID: "p1", PredecessorID: "T2", SuccessorID: "T3", Type: model.DepFS},
	}
	g, err := graph.Build("p1", tasks, deps)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	report := Compute(Input{Tasks: tasks, Graph: g, Now: now})

	ids := entryIDs(report.Blockers)
	require.ElementsMatch(t, []string{"T3", "T4"}, ids)
}

func TestOverdueAndDueSoonAreDisjoint(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	tasks := []model.Task{
		{ID: "T1", Status: model.StatusInProgress, Due: due(now.Add(-time.Hour))},     // overdue
		{ID: "T2", Status: model.StatusInProgress, Due: due(now.Add(3 * 24 * time.Hour))}, // due soon
		{ID: "T3", Status: model.StatusInProgress, Due: due(now)},                      // due exactly now: due soon, not overdue
		{ID: "T4", Status: model.StatusCompleted, Due: due(now.Add(-time.Hour))},       // completed, excluded from both
	}
	report := Compute(Input{Tasks: tasks, Now: now})

	overdueIDs := entryIDs(report.Overdue)
	dueSoonIDs := entryIDs(report.DueSoon)
	require.ElementsMatch(t, []string{"T1"}, overdueIDs)
	require.ElementsMatch(t, []string{"T2", "T3"}, dueSoonIDs)

	for _, id := range overdueIDs {
		require.NotContains(t, dueSoonIDs, id)
	}
}

func TestCPDueSoonIntersectsCriticalPathAndDueSoon(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	tasks := []model.Task{
		{ID: "T1", Status: model.StatusInProgress, Due: due(now.Add(2 * 24 * time.Hour))},
		{ID: "T2", Status: model.StatusInProgress, Due: due(now.Add(2 * 24 * time.Hour))},
	}
	report := Compute(Input{
		Tasks: tasks, Now: now,
		CriticalPath: map[string]bool{"T1": true},
	})

	require.ElementsMatch(t, []string{"T1"}, entryIDs(report.CPDueSoon))
}

func TestRecentlyChangedUsesSyncWindowOrDefault24h(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tasks := []model.Task{
		{ID: "T1", UpdatedAt: now.Add(-2 * time.Hour)},  // within default 24h window
		{ID: "T2", UpdatedAt: now.Add(-48 * time.Hour)}, // outside default window
	}
	report := Compute(Input{Tasks: tasks, Now: now})
	require.ElementsMatch(t, []string{"T1"}, entryIDs(report.RecentlyChanged))

	sync := now.Add(-72 * time.Hour)
	reportWithSync := Compute(Input{Tasks: tasks, Now: now, PreviousSyncAt: &sync})
	require.ElementsMatch(t, []string{"T1", "T2"}, entryIDs(reportWithSync.RecentlyChanged))
}

func TestViewsAreBoundedAndSortedByDueThenID(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tasks []model.Task
	for i := 0; i < 25; i++ {
		tasks = append(tasks, model.Task{
			ID:     string(rune('a' + i)),
			Status: model.StatusInProgress,
			Due:    due(now.Add(-time.Duration(i) * time.Hour)), // all overdue, descending due
		})
	}
	report := Compute(Input{Tasks: tasks, Now: now, MaxListSize: 5})

	require.Equal(t, 25, report.Overdue.Count)
	require.Len(t, report.Overdue.Tasks, 5)
	// Ascending due order means the one with the largest negative offset
	// (i == 24) sorts first.
	require.Equal(t, string(rune('a'+24)), report.Overdue.Tasks[0].TaskID)
}

func entryIDs(v View) []string {
	out := make([]string, len(v.Tasks))
	for i, e := range v.Tasks {
		out[i] = e.TaskID
	}
	return out
}
