package markov

import (
	"math"
	"testing"

	"github.com/congressops/planloom/internal/model"
	"github.com/stretchr/testify/require"
)

func zeroRow() map[string]float64 {
	row := make(map[string]float64, 6)
	for _, s := range append(append([]model.TaskStatus{}, transientStates...), absorbingStates...) {
		row[string(s)] = 0
	}
	return row
}

// diagonalMatrix builds a transition matrix where each transient state
// either stays put with probability q or absorbs into absorbOn with
// probability (1-q), and never transitions to another transient state.
func diagonalMatrix(q map[model.TaskStatus]float64, absorbOn map[model.TaskStatus]model.TaskStatus) model.TransitionMatrix {
	transitions := make(map[string]map[string]float64, len(transientStates))
	for _, s := range transientStates {
		row := zeroRow()
		row[string(s)] = q[s]
		row[string(absorbOn[s])] += 1 - q[s]
		transitions[string(s)] = row
	}
	return model.TransitionMatrix{Context: "test", Transitions: transitions}
}

func TestDetectStatePrecedence(t *testing.T) {
	require.Equal(t, model.StatusCompleted, DetectState(model.StatusCompleted, 100, true, true))
	require.Equal(t, model.StatusBlocked, DetectState(model.StatusInProgress, 40, true, true))
	require.Equal(t, model.StatusUnderReview, DetectState(model.StatusInProgress, 100, false, true))
	require.Equal(t, model.StatusInProgress, DetectState(model.StatusNotStarted, 10, false, false))
	require.Equal(t, model.StatusNotStarted, DetectState(model.StatusNotStarted, 0, false, false))
}

func TestExpectedAbsorptionMatchesGeometricClosedForm(t *testing.T) {
	q := map[model.TaskStatus]float64{
		model.StatusNotStarted:  0.5,
		model.StatusInProgress:  0.2,
		model.StatusBlocked:     0.9,
		model.StatusUnderReview: 0.5,
	}
	absorbOn := map[model.TaskStatus]model.TaskStatus{
		model.StatusNotStarted:  model.StatusCompleted,
		model.StatusInProgress:  model.StatusCompleted,
		model.StatusBlocked:     model.StatusCancelled,
		model.StatusUnderReview: model.StatusCompleted,
	}
	tm := diagonalMatrix(q, absorbOn)

	results := ExpectedAbsorption(tm, 1.0)
	for s, qi := range q {
		p := 1 - qi
		wantDays := 1 / p
		wantVariance := qi / (p * p)
		got := results[s]
		require.InDelta(t, wantDays, got.ExpectedDays, 1e-6, "state %s", s)
		require.InDelta(t, wantVariance, got.Variance, 1e-6, "state %s", s)
		require.Empty(t, got.Diagnostics)
	}
}

func TestExpectedAbsorptionAppliesStepSize(t *testing.T) {
	q := map[model.TaskStatus]float64{
		model.StatusNotStarted:  0.5,
		model.StatusInProgress:  0.5,
		model.StatusBlocked:     0.5,
		model.StatusUnderReview: 0.5,
	}
	absorbOn := map[model.TaskStatus]model.TaskStatus{
		model.StatusNotStarted:  model.StatusCompleted,
		model.StatusInProgress:  model.StatusCompleted,
		model.StatusBlocked:     model.StatusCompleted,
		model.StatusUnderReview: model.StatusCompleted,
	}
	tm := diagonalMatrix(q, absorbOn)

	oneDayStep := ExpectedAbsorption(tm, 1.0)
	halfDayStep := ExpectedAbsorption(tm, 0.5)
	require.InDelta(t, oneDayStep[model.StatusInProgress].ExpectedDays/2, halfDayStep[model.StatusInProgress].ExpectedDays, 1e-9)
}

func TestExpectedAbsorptionReportsSingularChain(t *testing.T) {
	q := map[model.TaskStatus]float64{
		model.StatusNotStarted:  1.0, // no escape: (I - Q) is singular
		model.StatusInProgress:  0.1,
		model.StatusBlocked:     0.1,
		model.StatusUnderReview: 0.1,
	}
	absorbOn := map[model.TaskStatus]model.TaskStatus{
		model.StatusNotStarted:  model.StatusCompleted,
		model.StatusInProgress:  model.StatusCompleted,
		model.StatusBlocked:     model.StatusCompleted,
		model.StatusUnderReview: model.StatusCompleted,
	}
	tm := diagonalMatrix(q, absorbOn)

	results := ExpectedAbsorption(tm, 1.0)
	for _, s := range transientStates {
		got := results[s]
		require.True(t, math.IsNaN(got.ExpectedDays))
		require.True(t, math.IsNaN(got.Variance))
		require.NotEmpty(t, got.Diagnostics)
	}
}

func TestLearnAppliesLaplaceSmoothingToUnseenTransitions(t *testing.T) {
	snaps := []Snapshot{
		{Context: "bucket:Registration", TaskID: "t1", Step: 0, State: model.StatusNotStarted},
		{Context: "bucket:Registration", TaskID: "t1", Step: 1, State: model.StatusInProgress},
		{Context: "bucket:Registration", TaskID: "t1", Step: 2, State: model.StatusCompleted},
	}

	matrices := Learn(snaps, 0.01)
	tm, ok := matrices["bucket:Registration"]
	require.True(t, ok)

	// Blocked never appears as a from-state in the data: its row must still
	// be a valid, fully-supported distribution (every entry > 0) rather than
	// all zeros, so the chain stays ergodic on non-absorbing states.
	blockedRow := tm.Transitions[string(model.StatusBlocked)]
	require.Len(t, blockedRow, 6)
	for state, p := range blockedRow {
		require.Greaterf(t, p, 0.0, "transition to %s should be smoothed above zero", state)
	}
	sum := 0.0
	for _, p := range blockedRow {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-9)

	// NotStarted -> InProgress was observed once and nothing else, so it
	// should dominate the smoothed row but not reach exactly 1.0.
	nsRow := tm.Transitions[string(model.StatusNotStarted)]
	require.Greater(t, nsRow[string(model.StatusInProgress)], 0.9)
	require.Less(t, nsRow[string(model.StatusInProgress)], 1.0)
}

func TestLearnSkipsNonConsecutiveSteps(t *testing.T) {
	snaps := []Snapshot{
		{Context: "bucket:Catering", TaskID: "t1", Step: 0, State: model.StatusNotStarted},
		{Context: "bucket:Catering", TaskID: "t1", Step: 5, State: model.StatusCompleted}, // gap, not counted
	}

	matrices := Learn(snaps, 0.01)
	tm := matrices["bucket:Catering"]
	row := tm.Transitions[string(model.StatusNotStarted)]
	// With nothing observed, every outgoing transition is the uniform
	// smoothed prior: 1/6.
	require.InDelta(t, 1.0/6.0, row[string(model.StatusCompleted)], 1e-9)
}
