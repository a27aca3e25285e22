// Package impact implements C6: a pure, idempotent preview of the effect a
// proposed (but not yet applied) task change would have on the plan's
// schedule (spec §4.6). It never persists anything; callers decide whether
// to turn the preview into a real mutation via internal/mutation.
package impact

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/congressops/planloom/internal/calendar"
	"github.com/congressops/planloom/internal/criticalpath"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/montecarlo"
	"github.com/congressops/planloom/internal/perr"
)

// affectedEpsilon is the minimum earliest-finish delta, in days, for a task
// to be reported as affected (spec §4.6: "moves by more than epsilon").
const affectedEpsilon = 1e-6

// Change is the proposed edit to preview; any subset of fields may be set.
type Change struct {
	TaskID          string
	Due             *time.Time
	Start           *time.Time
	Assignees       []string
	PercentComplete *int
	SlippageDays    *float64 // shifts Start and Due uniformly when set
}

// MonteCarloOptions requests an optional probabilistic delta via C4.
type MonteCarloOptions struct {
	Iterations    int // spec suggests a lower count, e.g. 1000
	Seed          uint64
	QueuingDelayK float64
	TargetEventDate *float64
}

// Input bundles everything Analyze needs; it never reads from a repository
// itself so that it stays a pure function of its arguments.
type Input struct {
	PlanID              string
	Tasks               []model.Task
	Dependencies        []model.Dependency
	Change              Change
	PERTByTaskID        map[string]model.PERT
	Calendar            calendar.Calendar
	DefaultDurationDays float64
	Now                 time.Time
	MonteCarlo          *MonteCarloOptions
}

// MonteCarloDelta reports probabilistic deltas between baseline and changed
// schedules (spec §4.6: "Δ(p50), Δ(p95), Δ(probability-on-time)").
type MonteCarloDelta struct {
	DeltaP50Days             float64
	DeltaP95Days             float64
	DeltaProbabilityOnTime   float64
	BaselineProbabilityOnTime float64
	ChangedProbabilityOnTime  float64
}

// Result is the preview output.
type Result struct {
	PlanEndDeltaDays float64
	AffectedTasks    []string // sorted ascending, includes the changed task itself when its own EF moves
	MonteCarlo       *MonteCarloDelta
	Diagnostics      []string
}

// Analyze computes Result for in.Change without mutating anything in in.
func Analyze(ctx context.Context, in Input) (Result, error) {
	var found bool
	for _, t := range in.Tasks {
		if t.ID == in.Change.TaskID {
			found = true
			break
		}
	}
	if !found {
		return Result{}, perr.NewNotFound("Task", in.Change.TaskID)
	}

	baseGraph, err := graph.Build(in.PlanID, in.Tasks, in.Dependencies)
	if err != nil {
		return Result{}, err
	}

	cal := in.Calendar
	zero := in.Now

	changedTasks, offsetDays := applyChange(in.Tasks, in.Change, cal)
	changedGraph, err := graph.Build(in.PlanID, changedTasks, in.Dependencies)
	if err != nil {
		return Result{}, err
	}

	baseDurations := criticalpath.ResolveDurations(in.Tasks, in.PERTByTaskID, cal, in.DefaultDurationDays)
	changedDurations := criticalpath.ResolveDurations(changedTasks, in.PERTByTaskID, cal, in.DefaultDurationDays)
	// A Due/Start/SlippageDays edit is a commitment-date slip, independent of
	// whichever source (PERT, due-minus-start, or default) produced the
	// nominal duration; apply it as an explicit offset so the change is
	// never silently absorbed by C2's calibration-first duration rule.
	if offsetDays != 0 {
		if d := changedDurations[in.Change.TaskID] + offsetDays; d >= 0 {
			changedDurations[in.Change.TaskID] = d
		} else {
			changedDurations[in.Change.TaskID] = 0
		}
	}

	baseResult := criticalpath.Compute(baseGraph, baseDurations, zero)
	changedResult := criticalpath.Compute(changedGraph, changedDurations, zero)

	res := Result{
		PlanEndDeltaDays: changedResult.PlanEndDays - baseResult.PlanEndDays,
		AffectedTasks:    affectedTasks(baseGraph, in.Change.TaskID, baseResult, changedResult),
	}

	if in.MonteCarlo != nil {
		mcDelta, diag := monteCarloDelta(ctx, baseGraph, changedGraph, baseDurations, changedDurations, in.PERTByTaskID, *in.MonteCarlo)
		res.MonteCarlo = mcDelta
		res.Diagnostics = append(res.Diagnostics, diag...)
	}

	return res, nil
}

// applyChange returns a deep copy of tasks with c applied, plus the net
// day offset the change induces on c.TaskID's effective duration. Due and
// Start both anchor the offset (each compared against its own pre-change
// value); SlippageDays contributes directly since it is already a day
// count. Multiple fields set at once accumulate.
func applyChange(tasks []model.Task, c Change, cal calendar.Calendar) ([]model.Task, float64) {
	out := make([]model.Task, len(tasks))
	var offsetDays float64
	for i, t := range tasks {
		out[i] = t.Clone()
		if out[i].ID != c.TaskID {
			continue
		}
		origDue, origStart := out[i].Due, out[i].Start
		if c.Due != nil {
			due := *c.Due
			out[i].Due = &due
		}
		if c.Start != nil {
			start := *c.Start
			out[i].Start = &start
		}
		if c.Assignees != nil {
			out[i].Assignees = append([]string(nil), c.Assignees...)
		}
		if c.PercentComplete != nil {
			out[i].PercentComplete = *c.PercentComplete
		}
		if c.SlippageDays != nil {
			shift := time.Duration(*c.SlippageDays * 24 * float64(time.Hour))
			if out[i].Start != nil {
				s := out[i].Start.Add(shift)
				out[i].Start = &s
			}
			if out[i].Due != nil {
				d := out[i].Due.Add(shift)
				out[i].Due = &d
			}
			offsetDays += *c.SlippageDays
			continue
		}
		if c.Due != nil && origDue != nil {
			offsetDays += cal.DaysBetween(*origDue, *out[i].Due)
		}
		if c.Start != nil && origStart != nil {
			offsetDays += cal.DaysBetween(*origStart, *out[i].Start)
		}
	}
	return out, offsetDays
}

// affectedTasks reports every task (including the changed one) whose
// earliest-finish moved by more than affectedEpsilon, restricted to the
// changed task's downstream closure plus itself since nothing upstream of it
// can move under a pure-preview, no-edge-change edit.
func affectedTasks(g *graph.Graph, changedTaskID string, base, changed criticalpath.Result) []string {
	candidates := append([]string{changedTaskID}, g.DownstreamClosure(changedTaskID)...)
	var out []string
	for _, id := range candidates {
		b, bok := base.Timings[id]
		c, cok := changed.Timings[id]
		if !bok || !cok {
			continue
		}
		if math.Abs(c.EarliestFinish-b.EarliestFinish) > affectedEpsilon {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func monteCarloDelta(ctx context.Context, baseGraph, changedGraph *graph.Graph, baseDurations, changedDurations map[string]float64, pertByTaskID map[string]model.PERT, opts MonteCarloOptions) (*MonteCarloDelta, []string) {
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	basePert := pertFromDurations(baseGraph, baseDurations, pertByTaskID)
	changedPert := pertFromDurations(changedGraph, changedDurations, pertByTaskID)

	baseParams := montecarlo.Params{
		Iterations: iterations, Seed: opts.Seed, QueuingDelayK: opts.QueuingDelayK,
		TargetEventDate: opts.TargetEventDate, PERTByTaskID: basePert,
	}
	changedParams := baseParams
	changedParams.PERTByTaskID = changedPert

	baseMC, err := montecarlo.Run(ctx, baseGraph, baseParams)
	if err != nil {
		return nil, []string{"monte carlo baseline run failed: " + err.Error()}
	}
	changedMC, err := montecarlo.Run(ctx, changedGraph, changedParams)
	if err != nil {
		return nil, []string{"monte carlo changed-schedule run failed: " + err.Error()}
	}

	return &MonteCarloDelta{
		DeltaP50Days:              changedMC.Percentiles["p50"] - baseMC.Percentiles["p50"],
		DeltaP95Days:              changedMC.Percentiles["p95"] - baseMC.Percentiles["p95"],
		DeltaProbabilityOnTime:    changedMC.ProbabilityOnTime - baseMC.ProbabilityOnTime,
		BaselineProbabilityOnTime: baseMC.ProbabilityOnTime,
		ChangedProbabilityOnTime:  changedMC.ProbabilityOnTime,
	}, nil
}

// pertFromDurations lets the Monte Carlo re-run honor a resolved duration
// (including the one the proposed change just altered) by wrapping it as a
// degenerate PERT triple when no calibrated PERT is already on file.
func pertFromDurations(g *graph.Graph, durations map[string]float64, pertByTaskID map[string]model.PERT) map[string]model.PERT {
	out := make(map[string]model.PERT, len(durations))
	for id, d := range durations {
		if pert, ok := pertByTaskID[id]; ok {
			out[id] = pert
			continue
		}
		out[id] = model.PERT{Optimistic: d, MostLikely: d, Pessimistic: d}
	}
	return out
}
