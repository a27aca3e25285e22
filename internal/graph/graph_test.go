package graph

import (
	"testing"

	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
	"github.com/stretchr/testify/require"
)

func tasks(ids ...string) []model.Task {
	out := make([]model.Task, len(ids))
	for i, id := range ids {
		out[i] = model.Task{ID: id, PlanID: "p1", Status: model.StatusNotStarted}
	}
	return out
}

func dep(pred, succ string) model.Dependency {
	return model.Dependency{PlanID: "p1", PredecessorID: pred, SuccessorID: succ, Type: model.DepFS}
}

func TestBuildLinearChain(t *testing.T) {
	g, err := Build("p1", tasks("T1", "T2", "T3"), []model.Dependency{dep("T1", "T2"), dep("T2", "T3")})
	require.NoError(t, err)
	require.Equal(t, []string{"T1", "T2", "T3"}, g.Order())
	require.Equal(t, []string{"T2", "T3"}, g.DownstreamClosure("T1"))
	require.Equal(t, []string{"T1", "T2"}, g.UpstreamClosure("T3"))
}

func TestBuildDetectsCycle(t *testing.T) {
	_, err := Build("p1", tasks("T1", "T2", "T3"), []model.Dependency{dep("T1", "T2"), dep("T2", "T3"), dep("T3", "T1")})
	require.Error(t, err)
	var cycleErr *perr.CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.ElementsMatch(t, []string{"T1", "T2", "T3"}, cycleErr.NodeIDs)
}

func TestIsolatedTaskGetsOrder(t *testing.T) {
	g, err := Build("p1", tasks("T1", "T2"), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"T1", "T2"}, g.Order())
	require.True(t, g.Isolated("T1"))
}

func TestWouldCycle(t *testing.T) {
	g, err := Build("p1", tasks("T1", "T2", "T3"), []model.Dependency{dep("T1", "T2"), dep("T2", "T3")})
	require.NoError(t, err)
	require.False(t, g.WouldCycle("T1", "T3")) // T1 already precedes T3; a direct edge adds no cycle
	require.True(t, g.WouldCycle("T3", "T1"))  // T3 -> T1 would close the loop back through T2
}

func TestParallelBranchesTieBreak(t *testing.T) {
	// T1 -> T2, T1 -> T3, T2 -> T4, T3 -> T4
	g, err := Build("p1", tasks("T1", "T2", "T3", "T4"), []model.Dependency{
		dep("T1", "T2"), dep("T1", "T3"), dep("T2", "T4"), dep("T3", "T4"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"T1", "T2", "T3", "T4"}, g.Order())
}
