// Package historical implements C3: deriving PERT calibration, throughput,
// and dependency-hint statistics from completed tasks across past plans
// (spec §4.3). Analyze is a pure function of its inputs and thresholds.
package historical

import (
	"fmt"
	"sort"

	"github.com/congressops/planloom/internal/model"
)

// FallbackPrior is the triangular(O, M, P) prior applied to a (bucket,
// task-type) pair with fewer than MinSamples historical samples.
type FallbackPrior struct {
	Optimistic  float64
	MostLikely  float64
	Pessimistic float64
	MinSamples  int
}

// BucketEstimate is the PERT triple and bias factor for one (bucket,
// task-type) pair (spec §4.3).
type BucketEstimate struct {
	BucketName  string
	TaskType    string
	PERT        model.PERT
	BiasFactor  float64 // mean(actual) / mean(planned); 1 if no planned data
	SampleCount int
	FromPrior   bool
}

// AssigneeThroughput summarizes one assignee's completed-task rate.
type AssigneeThroughput struct {
	AssigneeID       string
	TasksPerWeek     float64
	MeanDurationDays float64
	SampleCount      int
}

// BucketBlockFrequency is the fraction of a bucket's tasks that were ever
// blocked (spec §4.3 "bucket block frequency").
type BucketBlockFrequency struct {
	BucketName   string
	BlockedCount int
	TotalCount   int
	Frequency    float64
}

// PhaseComparison compares mean planned vs. actual duration for a bucket.
type PhaseComparison struct {
	BucketName        string
	PlannedMeanDays   float64
	ActualMeanDays    float64
	SampleCount       int
}

// DependencyHint flags a (task-type) pair that consistently completed in the
// same order across plans, suggesting an implicit dependency not yet
// recorded as an explicit edge. Task type stands in for the title-pattern
// match spec.md describes, since titles are free text and samples carry a
// normalized type instead.
type DependencyHint struct {
	FromTaskType string
	ToTaskType   string
	Occurrences  int
	PlanCount    int
	Confidence   float64 // Occurrences / PlanCount
}

// Report is the full output of one analysis cycle.
type Report struct {
	Estimates          []BucketEstimate
	AssigneeThroughput []AssigneeThroughput
	BlockFrequency     []BucketBlockFrequency
	PhaseComparison    []PhaseComparison
	DependencyHints    []DependencyHint
	Diagnostics        []string
}

const dependencyHintThreshold = 2 // minimum cross-plan co-occurrences before a hint is surfaced

// Analyze derives calibration and throughput statistics from samples. It
// never mutates samples and never touches a repository; callers load
// samples via C12 first.
func Analyze(samples []model.HistoricalSample, prior FallbackPrior) *Report {
	r := &Report{}
	logf := func(format string, args ...any) {
		r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
	}

	logf("analyzing %d historical samples", len(samples))

	r.Estimates = estimatePERT(samples, prior, logf)
	r.AssigneeThroughput = assigneeThroughput(samples)
	r.BlockFrequency = blockFrequency(samples)
	r.PhaseComparison = phaseComparison(samples)
	r.DependencyHints = dependencyHints(samples, logf)

	return r
}

type estimateKey struct {
	bucket   string
	taskType string
}

func estimatePERT(samples []model.HistoricalSample, prior FallbackPrior, logf func(string, ...any)) []BucketEstimate {
	groups := make(map[estimateKey][]model.HistoricalSample)
	for _, s := range samples {
		k := estimateKey{bucket: s.BucketName, taskType: s.TaskType}
		groups[k] = append(groups[k], s)
	}

	keys := make([]estimateKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bucket != keys[j].bucket {
			return keys[i].bucket < keys[j].bucket
		}
		return keys[i].taskType < keys[j].taskType
	})

	out := make([]BucketEstimate, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		if len(group) < prior.MinSamples {
			logf("bucket %q/%q has %d sample(s) (< %d): using fallback prior", k.bucket, k.taskType, len(group), prior.MinSamples)
			out = append(out, BucketEstimate{
				BucketName: k.bucket, TaskType: k.taskType,
				PERT:        model.PERT{Optimistic: prior.Optimistic, MostLikely: prior.MostLikely, Pessimistic: prior.Pessimistic},
				SampleCount: len(group), BiasFactor: 1, FromPrior: true,
			})
			continue
		}

		actuals := make([]float64, len(group))
		var plannedSum, actualSum float64
		for i, s := range group {
			actuals[i] = s.ActualDurationDays
			plannedSum += s.PlannedDurationDays
			actualSum += s.ActualDurationDays
		}
		sort.Float64s(actuals)

		bias := 1.0
		if plannedSum > 0 {
			bias = actualSum / plannedSum
		}

		out = append(out, BucketEstimate{
			BucketName: k.bucket, TaskType: k.taskType,
			PERT: model.PERT{
				Optimistic:  percentile(actuals, 0.10),
				MostLikely:  percentile(actuals, 0.50),
				Pessimistic: percentile(actuals, 0.90),
			},
			SampleCount: len(group),
			BiasFactor:  bias,
		})
	}
	return out
}

// percentile returns the p-th percentile of a pre-sorted slice using linear
// interpolation between closest ranks (p in [0, 1]).
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

func assigneeThroughput(samples []model.HistoricalSample) []AssigneeThroughput {
	type acc struct {
		count        int
		durationSum  float64
		earliest     model.HistoricalSample
		latest       model.HistoricalSample
		haveBounds   bool
	}
	byAssignee := make(map[string]*acc)

	for _, s := range samples {
		for _, a := range s.AssigneeIDs {
			entry, ok := byAssignee[a]
			if !ok {
				entry = &acc{}
				byAssignee[a] = entry
			}
			entry.count++
			entry.durationSum += s.ActualDurationDays
			if !entry.haveBounds || s.CompletedAt.Before(entry.earliest.CompletedAt) {
				entry.earliest = s
			}
			if !entry.haveBounds || s.CompletedAt.After(entry.latest.CompletedAt) {
				entry.latest = s
			}
			entry.haveBounds = true
		}
	}

	ids := make([]string, 0, len(byAssignee))
	for id := range byAssignee {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]AssigneeThroughput, 0, len(ids))
	for _, id := range ids {
		a := byAssignee[id]
		weeks := a.latest.CompletedAt.Sub(a.earliest.CompletedAt).Hours() / (24 * 7)
		if weeks < 1.0/7 { // fewer than a day's span: treat as one week to avoid a blown-up rate
			weeks = 1
		}
		out = append(out, AssigneeThroughput{
			AssigneeID:       id,
			TasksPerWeek:     float64(a.count) / weeks,
			MeanDurationDays: a.durationSum / float64(a.count),
			SampleCount:      a.count,
		})
	}
	return out
}

func blockFrequency(samples []model.HistoricalSample) []BucketBlockFrequency {
	type acc struct{ blocked, total int }
	byBucket := make(map[string]*acc)
	for _, s := range samples {
		entry, ok := byBucket[s.BucketName]
		if !ok {
			entry = &acc{}
			byBucket[s.BucketName] = entry
		}
		entry.total++
		if s.BlockCount > 0 {
			entry.blocked++
		}
	}

	buckets := make([]string, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	out := make([]BucketBlockFrequency, 0, len(buckets))
	for _, b := range buckets {
		a := byBucket[b]
		freq := 0.0
		if a.total > 0 {
			freq = float64(a.blocked) / float64(a.total)
		}
		out = append(out, BucketBlockFrequency{BucketName: b, BlockedCount: a.blocked, TotalCount: a.total, Frequency: freq})
	}
	return out
}

func phaseComparison(samples []model.HistoricalSample) []PhaseComparison {
	type acc struct {
		plannedSum, actualSum float64
		count                 int
	}
	byBucket := make(map[string]*acc)
	for _, s := range samples {
		entry, ok := byBucket[s.BucketName]
		if !ok {
			entry = &acc{}
			byBucket[s.BucketName] = entry
		}
		entry.plannedSum += s.PlannedDurationDays
		entry.actualSum += s.ActualDurationDays
		entry.count++
	}

	buckets := make([]string, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	out := make([]PhaseComparison, 0, len(buckets))
	for _, b := range buckets {
		a := byBucket[b]
		out = append(out, PhaseComparison{
			BucketName:      b,
			PlannedMeanDays: a.plannedSum / float64(a.count),
			ActualMeanDays:  a.actualSum / float64(a.count),
			SampleCount:     a.count,
		})
	}
	return out
}

type hintKey struct{ from, to string }

func dependencyHints(samples []model.HistoricalSample, logf func(string, ...any)) []DependencyHint {
	byPlan := make(map[string][]model.HistoricalSample)
	for _, s := range samples {
		byPlan[s.PlanID] = append(byPlan[s.PlanID], s)
	}

	counts := make(map[hintKey]int)
	planCount := 0
	for _, group := range byPlan {
		if len(group) < 2 {
			continue
		}
		planCount++
		sort.Slice(group, func(i, j int) bool { return group[i].CompletedAt.Before(group[j].CompletedAt) })
		for i := 0; i+1 < len(group); i++ {
			from, to := group[i].TaskType, group[i+1].TaskType
			if from == "" || to == "" || from == to {
				continue
			}
			counts[hintKey{from: from, to: to}]++
		}
	}

	keys := make([]hintKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})

	var out []DependencyHint
	for _, k := range keys {
		occurrences := counts[k]
		if occurrences < dependencyHintThreshold {
			continue
		}
		confidence := 0.0
		if planCount > 0 {
			confidence = float64(occurrences) / float64(planCount)
		}
		out = append(out, DependencyHint{FromTaskType: k.from, ToTaskType: k.to, Occurrences: occurrences, PlanCount: planCount, Confidence: confidence})
	}
	if len(out) > 0 {
		logf("found %d implicit dependency hint(s) across %d plan(s)", len(out), planCount)
	}
	return out
}
