// Package criticalpath implements C2: earliest/latest start and finish,
// slack, on-CP membership, and a canonical ordered critical path (spec §4.2).
//
// Edge semantics (spec §4.1/§9, decision recorded in DESIGN.md): FS binds
// pred.finish -> succ.start; SS binds pred.start -> succ.start; FF binds
// pred.finish -> succ.finish; SF binds pred.start -> succ.finish. All are
// zero-lag.
package criticalpath

import (
	"math"
	"sort"
	"time"

	"github.com/congressops/planloom/internal/calendar"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/model"
)

// Epsilon is the default on-CP slack threshold (spec §4.2: "slack <= epsilon,
// default epsilon = 0 working-day").
const Epsilon = 0.0

// TaskTiming holds the CPM numbers for one task, in days relative to the
// plan's zero instant (see Result.Zero).
type TaskTiming struct {
	TaskID        string
	EarliestStart float64
	EarliestFinish float64
	LatestStart   float64
	LatestFinish  float64
	Slack         float64
	OnCriticalPath bool
	DurationDays  float64
}

// Result is the pure output of Compute: no side effects, a function of its
// inputs only (spec §4.2).
type Result struct {
	Zero          time.Time // the instant earliest-start=0 is measured from ("now" at call time)
	Timings       map[string]TaskTiming
	CanonicalPath []string // ordered task ids, source to sink
	PlanEndDays   float64  // max earliest finish across all tasks
}

// PlanEnd returns the absolute instant the plan finishes under the
// deterministic CPM schedule.
func (r Result) PlanEnd(cal calendar.Calendar) time.Time {
	return cal.AddDays(r.Zero, r.PlanEndDays)
}

// ResolveDurations implements the duration-source fallback chain (spec
// §4.2): most_likely from C3's PERT triple if available, else
// max(1, due-start) when both present, else a fixed default (1 day).
func ResolveDurations(tasks []model.Task, pertByTaskID map[string]model.PERT, cal calendar.Calendar, defaultDays float64) map[string]float64 {
	out := make(map[string]float64, len(tasks))
	for _, t := range tasks {
		if pert, ok := pertByTaskID[t.ID]; ok {
			out[t.ID] = pert.MostLikely
			continue
		}
		if t.Start != nil && t.Due != nil {
			d := cal.DaysBetween(*t.Start, *t.Due)
			if d < 1 {
				d = 1
			}
			out[t.ID] = d
			continue
		}
		out[t.ID] = defaultDays
	}
	return out
}

// Compute runs the critical-path engine over a built dependency graph with
// resolved per-task durations (in days). zero is the instant representing
// day 0 (normally "now").
func Compute(g *graph.Graph, durations map[string]float64, zero time.Time) Result {
	order := g.Order()

	es := make(map[string]float64, len(order))
	ef := make(map[string]float64, len(order))
	tightPred := make(map[string]string, len(order))

	for _, id := range order {
		dur := durations[id]
		// best starts at the zero floor (no predecessor, or all predecessor
		// bounds negative); predecessors are visited in ascending id order so
		// the first one to reach the max wins ties (spec §4.2 tie-break).
		best, bestPred := 0.0, ""
		for _, pred := range predecessorsOf(g, id) {
			cand := ForwardBound(g, pred, id, es, ef, durations)
			if cand > best || (cand == best && bestPred == "") {
				best, bestPred = cand, pred
			}
		}
		es[id] = best
		ef[id] = best + dur
		if bestPred != "" {
			tightPred[id] = bestPred
		}
	}

	planEnd := 0.0
	for _, id := range order {
		if ef[id] > planEnd {
			planEnd = ef[id]
		}
	}

	lf := make(map[string]float64, len(order))
	ls := make(map[string]float64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		dur := durations[id]
		succs := g.Successors(id)
		if len(succs) == 0 {
			lf[id] = planEnd
		} else {
			bound := math.Inf(1)
			for _, succ := range succs {
				cand := BackwardBound(g, id, succ, lf, ls, durations)
				if cand < bound {
					bound = cand
				}
			}
			lf[id] = bound
		}
		ls[id] = lf[id] - dur
	}

	timings := make(map[string]TaskTiming, len(order))
	for _, id := range order {
		slack := ls[id] - es[id]
		timings[id] = TaskTiming{
			TaskID:         id,
			EarliestStart:  es[id],
			EarliestFinish: ef[id],
			LatestStart:    ls[id],
			LatestFinish:   lf[id],
			Slack:          slack,
			OnCriticalPath: slack <= Epsilon+1e-9,
			DurationDays:   dur(durations, id),
		}
	}

	canonical := canonicalPath(order, ef, planEnd, tightPred, timings)

	return Result{
		Zero:          zero,
		Timings:       timings,
		CanonicalPath: canonical,
		PlanEndDays:   planEnd,
	}
}

func dur(durations map[string]float64, id string) float64 {
	return durations[id]
}

func predecessorsOf(g *graph.Graph, id string) []string {
	preds := g.Predecessors(id)
	sort.Strings(preds)
	return preds
}

// ForwardBound returns the earliest-start lower bound that predecessor
// imposes on succ, per the edge's dependency type.
func ForwardBound(g *graph.Graph, pred, succ string, es, ef map[string]float64, durations map[string]float64) float64 {
	d, ok := g.DependencyBetween(pred, succ)
	depType := model.DepFS
	if ok {
		depType = d.Type
	}
	switch depType {
	case model.DepSS:
		return es[pred]
	case model.DepFF:
		return ef[pred] - durations[succ]
	case model.DepSF:
		return es[pred] - durations[succ]
	default: // FS
		return ef[pred]
	}
}

// BackwardBound returns the latest-finish upper bound that successor imposes
// on pred, per the edge's dependency type.
func BackwardBound(g *graph.Graph, pred, succ string, lf, ls map[string]float64, durations map[string]float64) float64 {
	d, ok := g.DependencyBetween(pred, succ)
	depType := model.DepFS
	if ok {
		depType = d.Type
	}
	switch depType {
	case model.DepSS:
		return ls[succ] + durations[pred]
	case model.DepFF:
		return lf[succ]
	case model.DepSF:
		return lf[succ] + durations[pred]
	default: // FS
		return ls[succ]
	}
}

// canonicalPath reconstructs one maximum-weight path via the tightPred chain,
// walking backward from the lexicographically smallest sink achieving
// planEnd (spec §4.2: "tie-break: lexicographic by id sequence").
func canonicalPath(order []string, ef map[string]float64, planEnd float64, tightPred map[string]string, timings map[string]TaskTiming) []string {
	var sink string
	for _, id := range order {
		if !timings[id].OnCriticalPath {
			continue
		}
		if math.Abs(ef[id]-planEnd) > 1e-9 {
			continue
		}
		if sink == "" || id < sink {
			sink = id
		}
	}
	if sink == "" {
		return nil
	}

	var reversed []string
	cur := sink
	for {
		reversed = append(reversed, cur)
		pred, ok := tightPred[cur]
		if !ok {
			break
		}
		cur = pred
	}

	out := make([]string, len(reversed))
	for i, id := range reversed {
		out[len(reversed)-1-i] = id
	}
	return out
}
