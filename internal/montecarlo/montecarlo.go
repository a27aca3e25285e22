// Package montecarlo implements C4: iterated Beta-PERT schedule simulation
// with a queuing-delay model, empirical critical-path frequency, and
// percentile end dates (spec §4.4).
//
// Each iteration is an independent task of execution: its RNG stream is
// seeded purely from (Params.Seed, iteration index), so the reduction over
// iterations is bit-identical regardless of how goroutines are scheduled
// (spec §5 "Determinism under concurrency").
package montecarlo

import (
	"context"
	"math"
	mrand "math/rand/v2"
	"runtime"
	"sort"

	"github.com/congressops/planloom/internal/criticalpath"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
	"golang.org/x/sync/errgroup"
)

// Params configures one simulation run.
type Params struct {
	Iterations         int // default 10,000, spec §4.4
	Seed               uint64
	QueuingDelayK      float64 // default 0.25 days, spec §4.4 step 4
	YieldEvery         int     // cancellation-check granularity, default 256, spec §5
	TargetEventDate    *float64 // days from Zero; probability-on-time is computed only if set
	PERTByTaskID       map[string]model.PERT
	BiasFactorByBucket map[string]float64 // bucket id -> multiplicative bias, spec §4.4 step 2
	GlobalDefault      *model.PERT        // used only when a task has no resolved PERT triple
}

// Bottleneck ranks a task by how often it sits on the simulated critical
// path (spec's supplemental structured-bottleneck ranking; see DESIGN.md).
type Bottleneck struct {
	TaskID       string
	CPFrequency  float64
	MeanSlackDays float64
}

// Result is the aggregate output of a simulation run.
type Result struct {
	N                 int
	PlanEndDays       []float64 // sorted ascending
	Percentiles       map[string]float64
	CPFrequency       map[string]float64 // task id -> fraction of iterations on the simulated CP
	BucketVarianceDays map[string]float64
	Bottlenecks       []Bottleneck
	ProbabilityOnTime float64 // [0, 100]; 0 if no target was supplied
	HasTarget         bool
}

type iterResult struct {
	planEnd    float64
	onCP       []bool    // indexed by order position
	slack      []float64 // indexed by order position
	bucketSums map[string]float64
}

// Run executes Params.Iterations independent simulations over g and
// aggregates them. It fails with perr.InsufficientCalibrationError if any
// task's bucket has no PERT triple and no GlobalDefault was supplied, and
// with perr.CancelledError if ctx is cancelled before completion (no partial
// result is returned in that case, per spec §5).
func Run(ctx context.Context, g *graph.Graph, p Params) (Result, error) {
	order := g.Order()
	n := p.Iterations
	if n <= 0 {
		n = 10000
	}
	yieldEvery := p.YieldEvery
	if yieldEvery <= 0 {
		yieldEvery = 256
	}
	k := p.QueuingDelayK
	if k <= 0 {
		k = 0.25
	}

	taskPERT := make(map[string]model.PERT, len(order))
	taskBucket := make(map[string]string, len(order))
	for _, id := range order {
		t := g.Task(id)
		taskBucket[id] = t.BucketID
		if pert, ok := p.PERTByTaskID[id]; ok {
			taskPERT[id] = pert
			continue
		}
		if p.GlobalDefault != nil {
			taskPERT[id] = *p.GlobalDefault
			continue
		}
		return Result{}, perr.NewInsufficientCalibration(t.BucketID)
	}

	buckets := make([]string, 0)
	seen := make(map[string]bool)
	for _, id := range order {
		b := taskBucket[id]
		if b != "" && !seen[b] {
			seen[b] = true
			buckets = append(buckets, b)
		}
	}
	sort.Strings(buckets)

	results := make([]iterResult, n)

	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers

	eg, egCtx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		eg.Go(func() error {
			for i := lo; i < hi; i++ {
				if (i-lo)%yieldEvery == 0 {
					select {
					case <-egCtx.Done():
						return perr.NewCancelled()
					default:
					}
				}
				results[i] = runIteration(g, order, taskPERT, taskBucket, p.BiasFactorByBucket, k, p.Seed, i)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	return reduce(order, buckets, results, p.TargetEventDate), nil
}

func runIteration(g *graph.Graph, order []string, taskPERT map[string]model.PERT, taskBucket map[string]string, bias map[string]float64, k float64, seed uint64, iter int) iterResult {
	rng := mrand.New(mrand.NewPCG(seed, uint64(iter)))

	durations := make(map[string]float64, len(order))
	for _, id := range order {
		d := sampleBetaPERT(rng, taskPERT[id])
		if b, ok := bias[taskBucket[id]]; ok {
			d *= b
		}
		durations[id] = d
	}

	es := make(map[string]float64, len(order))
	ef := make(map[string]float64, len(order))
	assigneeBusy := make(map[string][][2]float64) // assignee -> list of [start, finish)

	for _, id := range order {
		t := g.Task(id)
		best, bestPred := 0.0, ""
		for _, pred := range sortedPredecessors(g, id) {
			cand := criticalpath.ForwardBound(g, pred, id, es, ef, durations)
			if cand > best || (cand == best && bestPred == "") {
				best, bestPred = cand, pred
			}
		}
		start := best

		load := concurrentLoad(assigneeBusy, t.Assignees, start)
		delay := k * math.Max(0, float64(load-1))

		finish := start + durations[id] + delay
		es[id] = start
		ef[id] = finish

		for _, a := range t.Assignees {
			assigneeBusy[a] = append(assigneeBusy[a], [2]float64{start, finish})
		}
	}

	planEnd := 0.0
	for _, id := range order {
		if ef[id] > planEnd {
			planEnd = ef[id]
		}
	}

	onCP, slack := simulatedCriticalPath(g, order, es, ef, durations, planEnd)

	bucketSums := make(map[string]float64)
	for _, id := range order {
		b := taskBucket[id]
		if b == "" {
			continue
		}
		bucketSums[b] += durations[id]
	}

	return iterResult{planEnd: planEnd, onCP: onCP, slack: slack, bucketSums: bucketSums}
}

func sortedPredecessors(g *graph.Graph, id string) []string {
	preds := g.Predecessors(id)
	sort.Strings(preds)
	return preds
}

// concurrentLoad counts how many of the assignees' already-recorded
// intervals are active at t (start(v) inclusive, finish exclusive), spec
// §4.4 step 4.
func concurrentLoad(busy map[string][][2]float64, assignees []string, t float64) int {
	count := 0
	for _, a := range assignees {
		for _, iv := range busy[a] {
			if iv[0] <= t && t < iv[1] {
				count++
			}
		}
	}
	return count
}

// simulatedCriticalPath runs the criticalpath backward pass against this
// iteration's sampled durations and earliest times to find the
// maximum-weight ("simulated CP") path and per-task slack.
func simulatedCriticalPath(g *graph.Graph, order []string, es, ef map[string]float64, durations map[string]float64, planEnd float64) ([]bool, []float64) {
	lf := make(map[string]float64, len(order))
	ls := make(map[string]float64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		succs := g.Successors(id)
		if len(succs) == 0 {
			lf[id] = planEnd
		} else {
			bound := math.Inf(1)
			for _, succ := range succs {
				cand := criticalpath.BackwardBound(g, id, succ, lf, ls, durations)
				if cand < bound {
					bound = cand
				}
			}
			lf[id] = bound
		}
		ls[id] = lf[id] - durations[id]
	}

	onCP := make([]bool, len(order))
	slack := make([]float64, len(order))
	for i, id := range order {
		s := ls[id] - es[id]
		slack[i] = s
		onCP[i] = s <= criticalpath.Epsilon+1e-9
	}
	return onCP, slack
}

func reduce(order, buckets []string, results []iterResult, targetDays *float64) Result {
	n := len(results)
	planEnds := make([]float64, n)
	cpCounts := make([]float64, len(order))
	slackSums := make([]float64, len(order))
	bucketSum := make(map[string]float64, len(buckets))
	bucketSumSq := make(map[string]float64, len(buckets))
	onTimeCount := 0

	for i, r := range results {
		planEnds[i] = r.planEnd
		if targetDays != nil && r.planEnd <= *targetDays {
			onTimeCount++
		}
		for j := range order {
			if r.onCP[j] {
				cpCounts[j]++
			}
			slackSums[j] += r.slack[j]
		}
		for _, b := range buckets {
			v := r.bucketSums[b]
			bucketSum[b] += v
			bucketSumSq[b] += v * v
		}
	}

	sortedEnds := append([]float64(nil), planEnds...)
	sort.Float64s(sortedEnds)

	cpFrequency := make(map[string]float64, len(order))
	meanSlack := make(map[string]float64, len(order))
	for j, id := range order {
		cpFrequency[id] = cpCounts[j] / float64(n)
		meanSlack[id] = slackSums[j] / float64(n)
	}

	bucketVariance := make(map[string]float64, len(buckets))
	for _, b := range buckets {
		mean := bucketSum[b] / float64(n)
		bucketVariance[b] = bucketSumSq[b]/float64(n) - mean*mean
	}

	bottlenecks := make([]Bottleneck, 0, len(order))
	for _, id := range order {
		bottlenecks = append(bottlenecks, Bottleneck{TaskID: id, CPFrequency: cpFrequency[id], MeanSlackDays: meanSlack[id]})
	}
	sort.Slice(bottlenecks, func(i, j int) bool {
		if bottlenecks[i].CPFrequency != bottlenecks[j].CPFrequency {
			return bottlenecks[i].CPFrequency > bottlenecks[j].CPFrequency
		}
		if bottlenecks[i].MeanSlackDays != bottlenecks[j].MeanSlackDays {
			return bottlenecks[i].MeanSlackDays < bottlenecks[j].MeanSlackDays
		}
		return bottlenecks[i].TaskID < bottlenecks[j].TaskID
	})

	probOnTime := 0.0
	hasTarget := targetDays != nil
	if hasTarget {
		probOnTime = 100 * float64(onTimeCount) / float64(n)
	}

	return Result{
		N:                 n,
		PlanEndDays:       sortedEnds,
		Percentiles:       percentiles(sortedEnds),
		CPFrequency:       cpFrequency,
		BucketVarianceDays: bucketVariance,
		Bottlenecks:       bottlenecks,
		ProbabilityOnTime: probOnTime,
		HasTarget:         hasTarget,
	}
}

func percentiles(sorted []float64) map[string]float64 {
	out := make(map[string]float64, 5)
	for label, p := range map[string]float64{"p10": 0.10, "p50": 0.50, "p75": 0.75, "p90": 0.90, "p95": 0.95} {
		out[label] = percentile(sorted, p)
	}
	return out
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// sampleBetaPERT draws one duration from the Beta-PERT distribution implied
// by pert, degenerate (returns MostLikely) when Optimistic == Pessimistic
// (spec §4.4 step 1).
func sampleBetaPERT(rng *mrand.Rand, pert model.PERT) float64 {
	if pert.Degenerate() {
		return pert.MostLikely
	}
	o, m, p := pert.Optimistic, pert.MostLikely, pert.Pessimistic
	alpha := 1 + 4*(m-o)/(p-o)
	beta := 1 + 4*(p-m)/(p-o)
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	frac := x / (x + y)
	return o + frac*(p-o)
}

// sampleGamma draws a Gamma(shape, 1) variate via Marsaglia-Tsang.
func sampleGamma(rng *mrand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if math.Log(u) < 0.5*x*x+d-d*v+d*math.Log(v) {
			return d * v
		}
	}
}
