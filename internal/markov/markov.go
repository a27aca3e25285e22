// Package markov implements C5: mapping a task to its current state, learning
// a per-context transition matrix from historical snapshots, and computing
// expected days (and variance) to absorption via the fundamental matrix of
// the resulting absorbing Markov chain (spec §4.5).
//
// Matrix inversion is hand-rolled Gauss-Jordan elimination with partial
// pivoting (spec §9: "do not rely on external linear-algebra libraries").
// State count is fixed and small (four transient, two absorbing), so this
// is well within the regime where a naive O(n^3) elimination is appropriate.
package markov

import (
	"math"
	"sort"

	"github.com/congressops/planloom/internal/model"
)

// transientStates and absorbingStates fix the domain and row/column order
// used throughout this package; model.TaskStatus has exactly six values.
var transientStates = []model.TaskStatus{
	model.StatusNotStarted,
	model.StatusInProgress,
	model.StatusBlocked,
	model.StatusUnderReview,
}

var absorbingStates = []model.TaskStatus{
	model.StatusCompleted,
	model.StatusCancelled,
}

// DetectState maps a task's raw attributes to its current Markov state (spec
// §4.5a). Absorbing statuses always win outright. Among open tasks, an
// explicit blocker takes precedence over the in-review flag, which in turn
// takes precedence over percent-complete, matching the priority a human
// triaging the task would apply.
func DetectState(status model.TaskStatus, percentComplete int, blocked bool, inReview bool) model.TaskStatus {
	if status.Absorbing() {
		return status
	}
	switch {
	case blocked:
		return model.StatusBlocked
	case inReview:
		return model.StatusUnderReview
	case percentComplete > 0:
		return model.StatusInProgress
	default:
		return model.StatusNotStarted
	}
}

// Snapshot is one observed (context, task, state) reading at a uniform step
// index. Step increases by exactly one per Δt; a caller resampling irregular
// timestamps onto the uniform grid is expected to fill or drop gaps before
// calling Learn.
type Snapshot struct {
	Context string
	TaskID  string
	Step    int
	State   model.TaskStatus
}

// Learn builds one model.TransitionMatrix per distinct context, counting
// Step->Step+1 state transitions per task and normalizing with Laplace
// smoothing so every transient state's outgoing row sums to 1.0 and contains
// no zero probabilities (spec §4.5: "Laplace smoothing epsilon = 0.01 on
// unseen transitions to keep chains ergodic on non-absorbing states").
func Learn(snapshots []Snapshot, smoothing float64) map[string]model.TransitionMatrix {
	byContext := make(map[string][]Snapshot)
	for _, s := range snapshots {
		byContext[s.Context] = append(byContext[s.Context], s)
	}

	out := make(map[string]model.TransitionMatrix, len(byContext))
	for ctx, snaps := range byContext {
		out[ctx] = learnOne(ctx, snaps, smoothing)
	}
	return out
}

func learnOne(context string, snaps []Snapshot, smoothing float64) model.TransitionMatrix {
	byTask := make(map[string][]Snapshot)
	for _, s := range snaps {
		byTask[s.TaskID] = append(byTask[s.TaskID], s)
	}

	counts := make(map[model.TaskStatus]map[model.TaskStatus]float64)
	for _, from := range transientStates {
		counts[from] = make(map[model.TaskStatus]float64)
	}

	for _, taskSnaps := range byTask {
		sort.Slice(taskSnaps, func(i, j int) bool { return taskSnaps[i].Step < taskSnaps[j].Step })
		for i := 0; i+1 < len(taskSnaps); i++ {
			cur, next := taskSnaps[i], taskSnaps[i+1]
			if next.Step != cur.Step+1 {
				continue // not a uniform consecutive step, skip
			}
			if cur.State.Absorbing() {
				continue // no outgoing transitions are learned from an absorbing state
			}
			row, ok := counts[cur.State]
			if !ok {
				row = make(map[model.TaskStatus]float64)
				counts[cur.State] = row
			}
			row[next.State]++
		}
	}

	allStates := append(append([]model.TaskStatus{}, transientStates...), absorbingStates...)
	transitions := make(map[string]map[string]float64, len(transientStates))
	for _, from := range transientStates {
		row := counts[from]
		total := 0.0
		for _, to := range allStates {
			total += row[to]
		}
		denom := total + smoothing*float64(len(allStates))
		normalized := make(map[string]float64, len(allStates))
		for _, to := range allStates {
			normalized[string(to)] = (row[to] + smoothing) / denom
		}
		transitions[string(from)] = normalized
	}

	return model.TransitionMatrix{Context: context, Transitions: transitions}
}

// AbsorptionResult reports expected time and variance for one transient
// state under one transition matrix (spec §4.5b/c).
type AbsorptionResult struct {
	Context      string
	State        model.TaskStatus
	ExpectedDays float64
	Variance     float64
	Diagnostics  []string
}

// ExpectedAbsorption computes, for every transient state of tm, the expected
// number of days to reach an absorbing state and the variance of that time,
// via the fundamental matrix N = (I - Q)^-1 (spec §4.5). stepDays is Δt in
// days (spec default 1.0, i.e. config.Markov.StepSize of 24h).
//
// When (I - Q) is numerically singular (non-ergodic chain, e.g. a transient
// state with no path to absorption even after smoothing should not occur in
// practice, but degenerate inputs can still produce ill-conditioned
// matrices), every result carries NaN and a diagnostic instead of failing
// outright — analytical calls are best-effort (spec §6 propagation policy).
func ExpectedAbsorption(tm model.TransitionMatrix, stepDays float64) map[model.TaskStatus]AbsorptionResult {
	n := len(transientStates)
	q := make([][]float64, n)
	for i, from := range transientStates {
		q[i] = make([]float64, n)
		row := tm.Transitions[string(from)]
		for j, to := range transientStates {
			q[i][j] = row[string(to)]
		}
	}

	iMinusQ := make([][]float64, n)
	for i := 0; i < n; i++ {
		iMinusQ[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			id := 0.0
			if i == j {
				id = 1.0
			}
			iMinusQ[i][j] = id - q[i][j]
		}
	}

	nMat, singular := invert(iMinusQ)

	out := make(map[model.TaskStatus]AbsorptionResult, n)
	if singular {
		for _, s := range transientStates {
			out[s] = AbsorptionResult{
				Context:      tm.Context,
				State:        s,
				ExpectedDays: math.NaN(),
				Variance:     math.NaN(),
				Diagnostics:  []string{"(I - Q) is near-singular; the chain is not absorbing under this transition matrix"},
			}
		}
		return out
	}

	t := make([]float64, n) // row sums of N: expected steps from each transient state
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += nMat[i][j]
		}
		t[i] = sum
	}

	// (2N - I)t
	twoNMinusIt := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			twoN := 2 * nMat[i][j]
			if i == j {
				twoN -= 1
			}
			sum += twoN * t[j]
		}
		twoNMinusIt[i] = sum
	}

	for i, s := range transientStates {
		variance := twoNMinusIt[i] - t[i]*t[i]
		out[s] = AbsorptionResult{
			Context:      tm.Context,
			State:        s,
			ExpectedDays: t[i] * stepDays,
			Variance:     variance * stepDays * stepDays,
		}
	}
	return out
}

// invert computes the inverse of a square matrix via Gauss-Jordan
// elimination with partial pivoting. The second return is true when no
// usable pivot could be found (the matrix is numerically singular).
func invert(m [][]float64) ([][]float64, bool) {
	n := len(m)
	const pivotEpsilon = 1e-9

	aug := make([][]float64, n)
	for i := 0; i < n; i++ {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], m[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivotRow := col
		best := math.Abs(aug[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(aug[r][col]); v > best {
				best, pivotRow = v, r
			}
		}
		if best < pivotEpsilon {
			return nil, true
		}
		aug[col], aug[pivotRow] = aug[pivotRow], aug[col]

		pivot := aug[col][col]
		for c := 0; c < 2*n; c++ {
			aug[col][c] /= pivot
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for c := 0; c < 2*n; c++ {
				aug[r][c] -= factor * aug[col][c]
			}
		}
	}

	inv := make([][]float64, n)
	for i := 0; i < n; i++ {
		inv[i] = append([]float64(nil), aug[i][n:]...)
	}
	return inv, false
}
