package engine

import (
	"context"
	"sort"
	"time"

	"github.com/congressops/planloom/internal/attention"
	"github.com/congressops/planloom/internal/criticalpath"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/historical"
	"github.com/congressops/planloom/internal/impact"
	"github.com/congressops/planloom/internal/intelligence"
	"github.com/congressops/planloom/internal/markov"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/montecarlo"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
)

// CriticalPathView answers GetCriticalPath (spec §6): the ordered task ids
// on the deterministic critical path plus the full CPM timing table.
type CriticalPathView struct {
	OrderedTaskIDs []string
	Timings        map[string]criticalpath.TaskTiming
	PlanEnd        time.Time
	Diagnostics    []string
}

func (e *Engine) GetCriticalPath(ctx context.Context, planID string) (CriticalPathView, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return CriticalPathView{}, err
	}
	g, diagnostics, err := e.buildGraphRepairing(planID, snap.Tasks, snap.Dependencies)
	if err != nil {
		return CriticalPathView{}, err
	}

	durations, durationDiag := e.resolveDurations(ctx, snap, g)
	now := time.Now().UTC()
	res := criticalpath.Compute(g, durations, now)
	return CriticalPathView{
		OrderedTaskIDs: res.CanonicalPath,
		Timings:        res.Timings,
		PlanEnd:        res.PlanEnd(e.cal),
		Diagnostics:    append(diagnostics, durationDiag...),
	}, nil
}

// resolveDurations returns the mean PERT duration per task, falling back to
// the configured calibration prior's mean when a bucket has no historical
// estimate, and never fails — durations are always resolvable, unlike C4
// which requires an explicit triple.
func (e *Engine) resolveDurations(ctx context.Context, snap repo.PlanSnapshot, g *graph.Graph) (map[string]float64, []string) {
	pertByTaskID, _, diagnostics := e.resolveCalibration(ctx, snap)
	fallback := e.fallbackPrior().Mean()
	out := make(map[string]float64, len(snap.Tasks))
	for _, id := range g.Order() {
		if p, ok := pertByTaskID[id]; ok {
			out[id] = p.Mean()
			continue
		}
		out[id] = fallback
	}
	return out, diagnostics
}

func (e *Engine) fallbackPrior() model.PERT {
	return model.PERT{
		Optimistic:  e.cfg.Calibration.FallbackOptimistic,
		MostLikely:  e.cfg.Calibration.FallbackMostLikely,
		Pessimistic: e.cfg.Calibration.FallbackPessimistic,
	}
}

// AttentionOptions overrides the default view sizes (spec §4.10).
type AttentionOptions struct {
	MaxListSize    int
	PreviousSyncAt *time.Time
}

func (e *Engine) GetAttention(ctx context.Context, planID string, opts AttentionOptions) (attention.Report, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return attention.Report{}, err
	}
	g, _, err := e.buildGraphRepairing(planID, snap.Tasks, snap.Dependencies)
	if err != nil {
		return attention.Report{}, err
	}

	durations, _ := e.resolveDurations(ctx, snap, g)
	now := time.Now().UTC()
	cpResult := criticalpath.Compute(g, durations, now)
	onCP := make(map[string]bool, len(cpResult.CanonicalPath))
	for _, id := range cpResult.CanonicalPath {
		onCP[id] = true
	}

	maxSize := opts.MaxListSize
	if maxSize <= 0 {
		maxSize = e.cfg.Attention.MaxListSize
	}

	return attention.Compute(attention.Input{
		Tasks:          snap.Tasks,
		Graph:          g,
		CriticalPath:   onCP,
		Now:            now,
		PreviousSyncAt: opts.PreviousSyncAt,
		MaxListSize:    maxSize,
	}), nil
}

// MilestoneAnalysis answers GetMilestoneAnalysis (spec §6): which tasks the
// deterministic schedule finishes before the target event date, and which
// land after it and therefore put the milestone at risk.
type MilestoneAnalysis struct {
	EventDate time.Time
	Before    []MilestoneTask
	AtRisk    []MilestoneTask // sorted by slack ascending: tightest risk first
}

type MilestoneTask struct {
	TaskID         string
	EarliestFinish time.Time
	OnCriticalPath bool
	SlackDays      float64
}

func (e *Engine) GetMilestoneAnalysis(ctx context.Context, planID string, eventDate time.Time) (MilestoneAnalysis, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return MilestoneAnalysis{}, err
	}
	g, _, err := e.buildGraphRepairing(planID, snap.Tasks, snap.Dependencies)
	if err != nil {
		return MilestoneAnalysis{}, err
	}
	durations, _ := e.resolveDurations(ctx, snap, g)
	now := time.Now().UTC()
	res := criticalpath.Compute(g, durations, now)

	onCP := make(map[string]bool, len(res.CanonicalPath))
	for _, id := range res.CanonicalPath {
		onCP[id] = true
	}

	out := MilestoneAnalysis{EventDate: eventDate}
	for _, id := range g.Order() {
		timing := res.Timings[id]
		ef := e.cal.AddDays(res.Zero, timing.EarliestFinish)
		mt := MilestoneTask{TaskID: id, EarliestFinish: ef, OnCriticalPath: onCP[id], SlackDays: timing.Slack}
		if ef.After(eventDate) {
			out.AtRisk = append(out.AtRisk, mt)
		} else {
			out.Before = append(out.Before, mt)
		}
	}
	sort.Slice(out.AtRisk, func(i, j int) bool {
		if out.AtRisk[i].SlackDays != out.AtRisk[j].SlackDays {
			return out.AtRisk[i].SlackDays < out.AtRisk[j].SlackDays
		}
		return out.AtRisk[i].TaskID < out.AtRisk[j].TaskID
	})
	sort.Slice(out.Before, func(i, j int) bool { return out.Before[i].TaskID < out.Before[j].TaskID })
	return out, nil
}

// MonteCarloOptions configures RunMonteCarlo (spec §6).
type MonteCarloOptions struct {
	Iterations int
	EventDate  *time.Time
	Seed       *uint64
}

func (e *Engine) RunMonteCarlo(ctx context.Context, planID string, opts MonteCarloOptions) (montecarlo.Result, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return montecarlo.Result{}, err
	}
	g, _, err := e.buildGraphRepairing(planID, snap.Tasks, snap.Dependencies)
	if err != nil {
		return montecarlo.Result{}, err
	}

	pertByTaskID, biasByBucket, _ := e.resolveCalibration(ctx, snap)

	var seed uint64
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	var target *float64
	if opts.EventDate != nil {
		days := e.cal.DaysBetween(time.Now().UTC(), *opts.EventDate)
		target = &days
	}
	fallback := e.fallbackPrior()

	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = e.cfg.MonteCarlo.DefaultIterations
	}

	return montecarlo.Run(ctx, g, montecarlo.Params{
		Iterations:         iterations,
		Seed:               seed,
		QueuingDelayK:      e.cfg.MonteCarlo.QueuingDelayK,
		YieldEvery:         e.cfg.MonteCarlo.YieldEvery,
		TargetEventDate:    target,
		PERTByTaskID:       pertByTaskID,
		BiasFactorByBucket: biasByBucket,
		GlobalDefault:      &fallback,
	})
}

// resolveCalibration derives a per-task PERT triple and per-bucket bias
// factor from historical samples (C3), keyed the way C4 expects. A task's
// bucket may host more than one (bucket, task-type) estimate since Task
// carries no type field of its own; the estimate with the most samples is
// used as that bucket's representative triple (documented open-question
// decision, DESIGN.md).
func (e *Engine) resolveCalibration(ctx context.Context, snap repo.PlanSnapshot) (map[string]model.PERT, map[string]float64, []string) {
	tasks := snap.Tasks
	buckets := snap.Buckets
	bucketNameByID := make(map[string]string, len(buckets))
	for _, b := range buckets {
		bucketNameByID[b.ID] = b.Name
	}

	estimateByBucketName := make(map[string]historical.BucketEstimate)
	var diagnostics []string
	prior := historical.FallbackPrior{
		Optimistic: e.cfg.Calibration.FallbackOptimistic, MostLikely: e.cfg.Calibration.FallbackMostLikely,
		Pessimistic: e.cfg.Calibration.FallbackPessimistic, MinSamples: e.cfg.Calibration.MinSamples,
	}
	seenBucketName := make(map[string]bool)
	for _, b := range buckets {
		if seenBucketName[b.Name] {
			continue
		}
		seenBucketName[b.Name] = true
		samples, err := e.repo.ListHistoricalSamples(ctx, b.Name)
		if err != nil {
			diagnostics = append(diagnostics, "historical samples unavailable for bucket "+b.Name+": "+err.Error())
			continue
		}
		report := historical.Analyze(samples, prior)
		diagnostics = append(diagnostics, report.Diagnostics...)
		var best *historical.BucketEstimate
		for i := range report.Estimates {
			est := report.Estimates[i]
			if est.BucketName != b.Name {
				continue
			}
			if best == nil || est.SampleCount > best.SampleCount {
				best = &report.Estimates[i]
			}
		}
		if best != nil {
			estimateByBucketName[b.Name] = *best
		}
	}

	pertByTaskID := make(map[string]model.PERT, len(tasks))
	biasByBucketID := make(map[string]float64)
	for _, t := range tasks {
		name := bucketNameByID[t.BucketID]
		if est, ok := estimateByBucketName[name]; ok {
			pertByTaskID[t.ID] = est.PERT
			biasByBucketID[t.BucketID] = est.BiasFactor
		}
	}
	return pertByTaskID, biasByBucketID, diagnostics
}

// GetMarkov answers GetMarkov (spec §6). With no taskID it returns every
// learned transition matrix; with one, it additionally returns the expected
// days to absorption from that task's current state.
type MarkovView struct {
	Matrices map[string]model.TransitionMatrix
	Expected *markov.AbsorptionResult
	State    model.TaskStatus
}

func (e *Engine) GetMarkov(ctx context.Context, planID string, taskID string) (MarkovView, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return MarkovView{}, err
	}

	snapshots, err := e.markovSnapshots(ctx, snap)
	if err != nil {
		return MarkovView{}, err
	}
	matrices := markov.Learn(snapshots, e.cfg.Markov.LaplaceSmoothing)

	view := MarkovView{Matrices: matrices}
	if taskID == "" {
		return view, nil
	}

	var task *model.Task
	for i := range snap.Tasks {
		if snap.Tasks[i].ID == taskID {
			task = &snap.Tasks[i]
			break
		}
	}
	if task == nil {
		return MarkovView{}, perr.NewNotFound("Task", taskID)
	}

	matrixKey := "bucket:" + task.BucketID
	tm, ok := matrices[matrixKey]
	if !ok {
		return view, nil
	}
	state := markov.DetectState(task.Status, task.PercentComplete, task.Status == model.StatusBlocked, task.Status == model.StatusUnderReview)
	view.State = state
	stepDays := e.cfg.Markov.StepSize.Duration.Hours() / 24
	results := markov.ExpectedAbsorption(tm, stepDays)
	if r, ok := results[state]; ok {
		view.Expected = &r
	}
	return view, nil
}

// markovSnapshots turns each task's current state into a single-step
// observation keyed by its bucket, since the repository contract carries no
// state-history timeline (spec §4.12 abstract operations). This yields a
// coarser but always-available transition signal; a richer deployment can
// swap in real timestamped snapshots without touching internal/markov.
func (e *Engine) markovSnapshots(ctx context.Context, snap repo.PlanSnapshot) ([]markov.Snapshot, error) {
	out := make([]markov.Snapshot, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		state := markov.DetectState(t.Status, t.PercentComplete, t.Status == model.StatusBlocked, t.Status == model.StatusUnderReview)
		out = append(out, markov.Snapshot{Context: "bucket:" + t.BucketID, TaskID: t.ID, Step: 0, State: state})
	}
	return out, nil
}

// CostWeights controls ComputeCost (spec §6: "ComputeCost(planId, weights) →
// breakdown"); the spec leaves the cost model itself unspecified, so this
// implements a weighted linear combination of signals already on Task —
// priority, overdue exposure, remaining effort, and staffing — documented
// as an engine-level open-question decision (DESIGN.md).
type CostWeights struct {
	Priority      float64
	OverdueDay    float64
	RemainingWork float64
	Assignee      float64
}

// CostBreakdown is ComputeCost's output.
type CostBreakdown struct {
	PlanID    string
	TotalCost float64
	ByTask    map[string]float64
	ByBucket  map[string]float64
}

func (e *Engine) ComputeCost(ctx context.Context, planID string, weights CostWeights) (CostBreakdown, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return CostBreakdown{}, err
	}
	now := time.Now().UTC()
	out := CostBreakdown{PlanID: planID, ByTask: make(map[string]float64, len(snap.Tasks)), ByBucket: make(map[string]float64)}
	for _, t := range snap.Tasks {
		cost := weights.Priority * float64(t.Priority)
		if t.Due != nil && !t.Status.Absorbing() && now.After(*t.Due) {
			cost += weights.OverdueDay * e.cal.DaysBetween(*t.Due, now)
		}
		cost += weights.RemainingWork * float64(100-t.PercentComplete) / 100
		cost += weights.Assignee * float64(len(t.Assignees))
		out.ByTask[t.ID] = cost
		out.ByBucket[t.BucketID] += cost
		out.TotalCost += cost
	}
	return out, nil
}

func (e *Engine) AnalyzeImpact(ctx context.Context, planID string, change impact.Change, mcOpts *impact.MonteCarloOptions) (impact.Result, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return impact.Result{}, err
	}
	pertByTaskID, _, _ := e.resolveCalibration(ctx, snap)
	fallback := e.fallbackPrior().Mean()
	return impact.Analyze(ctx, impact.Input{
		PlanID: planID, Tasks: snap.Tasks, Dependencies: snap.Dependencies,
		Change: change, PERTByTaskID: pertByTaskID, Calendar: e.cal,
		DefaultDurationDays: fallback, Now: time.Now().UTC(), MonteCarlo: mcOpts,
	})
}

// TaskIntelligenceOptions controls GetTaskIntelligence (spec §6).
type TaskIntelligenceOptions struct {
	IncludeSimulations bool
	MonteCarloIterations int
}

func (e *Engine) GetTaskIntelligence(ctx context.Context, planID, taskID string, opts TaskIntelligenceOptions) (intelligence.Bundle, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return intelligence.Bundle{}, err
	}
	var task *model.Task
	for i := range snap.Tasks {
		if snap.Tasks[i].ID == taskID {
			task = &snap.Tasks[i]
			break
		}
	}
	if task == nil {
		return intelligence.Bundle{}, perr.NewNotFound("Task", taskID)
	}

	g, _, err := e.buildGraphRepairing(planID, snap.Tasks, snap.Dependencies)
	if err != nil {
		return intelligence.Bundle{}, err
	}
	durations, _ := e.resolveDurations(ctx, snap, g)
	now := time.Now().UTC()
	cpResult := criticalpath.Compute(g, durations, now)
	timing := cpResult.Timings[taskID]

	upstream := make([]intelligence.UpstreamTask, 0, len(g.Predecessors(taskID)))
	for _, id := range g.Predecessors(taskID) {
		ut := g.Task(id)
		if ut == nil {
			continue
		}
		upstream = append(upstream, intelligence.UpstreamTask{
			TaskID: id, Status: ut.Status, Due: ut.Due, OnCriticalPath: cpResult.Timings[id].OnCriticalPath,
		})
	}

	candidates := e.assigneeCandidates(ctx, snap)

	in := intelligence.Input{
		Task: *task, Now: now, OnCriticalPath: timing.OnCriticalPath, SlackDays: timing.Slack,
		Upstream: upstream, Candidates: candidates,
	}

	if opts.IncludeSimulations {
		pertByTaskID, biasByBucket, _ := e.resolveCalibration(ctx, snap)
		fallback := e.fallbackPrior()
		iterations := opts.MonteCarloIterations
		if iterations <= 0 {
			iterations = 1000
		}
		result, err := montecarlo.Run(ctx, g, montecarlo.Params{
			Iterations: iterations, QueuingDelayK: e.cfg.MonteCarlo.QueuingDelayK,
			PERTByTaskID: pertByTaskID, BiasFactorByBucket: biasByBucket, GlobalDefault: &fallback,
		})
		if err != nil {
			in.MonteCarloErr = err
		} else {
			in.MonteCarlo = &intelligence.MonteCarloSummary{
				P50Days: result.Percentiles["p50"], P95Days: result.Percentiles["p95"], CPProbability: result.CPFrequency[taskID],
			}
		}

		markovView, err := e.GetMarkov(ctx, planID, taskID)
		if err != nil {
			in.MarkovErr = err
		} else if markovView.Expected != nil {
			in.Markov = &intelligence.MarkovSummary{State: markovView.State, ExpectedDaysToAbsorption: markovView.Expected.ExpectedDays}
		}
	}

	return intelligence.Compute(in), nil
}

// assigneeCandidates builds C7's scoring pool from the plan's current
// workload, since the repository contract has no separate roster of people.
func (e *Engine) assigneeCandidates(ctx context.Context, snap repo.PlanSnapshot) []intelligence.AssigneeStats {
	load := make(map[string]int)
	overdue := make(map[string]int)
	now := time.Now().UTC()
	for _, t := range snap.Tasks {
		for _, a := range t.Assignees {
			if !t.Status.Absorbing() {
				load[a]++
			}
			if t.Due != nil && !t.Status.Absorbing() && now.After(*t.Due) {
				overdue[a]++
			}
		}
	}
	ids := make([]string, 0, len(load))
	for a := range load {
		ids = append(ids, a)
	}
	for a := range overdue {
		if _, ok := load[a]; !ok {
			ids = append(ids, a)
		}
	}
	sort.Strings(ids)

	out := make([]intelligence.AssigneeStats, 0, len(ids))
	for _, id := range ids {
		rate := 0.8
		if o := overdue[id]; o > 0 && load[id] > 0 {
			if r := 1 - float64(o)/float64(load[id]); r < rate {
				rate = r
			}
		}
		out = append(out, intelligence.AssigneeStats{AssigneeID: id, HistoricalCompletionRate: rate, ActiveTaskLoad: load[id], OverdueCount: overdue[id]})
	}
	return out
}
