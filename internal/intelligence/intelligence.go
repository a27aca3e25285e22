// Package intelligence implements C7: fusing the critical path, historical
// calibration, Monte Carlo, and Markov sub-systems into one risk/assignment
// bundle for a single task (spec §4.7). It is a pure aggregator — every
// number it needs is passed in already computed; it never calls another
// subsystem itself, so a failure in one upstream call degrades the bundle's
// diagnostics instead of failing the whole request (spec §6 propagation
// policy: "analytical calls return best-effort... diagnostics section").
package intelligence

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/congressops/planloom/internal/model"
)

// DependencyRiskLevel classifies one upstream task's risk to the task being
// scored (spec §4.7).
type DependencyRiskLevel string

const (
	RiskHigh   DependencyRiskLevel = "high"
	RiskMedium DependencyRiskLevel = "medium"
	RiskLow    DependencyRiskLevel = "low"
)

// DependencyRisk is one upstream task's risk contribution.
type DependencyRisk struct {
	TaskID    string
	Level     DependencyRiskLevel
	DelayDays float64
}

// UpstreamTask is the subset of an upstream task's state the risk model
// needs; callers build this from model.Task plus its CP membership.
type UpstreamTask struct {
	TaskID         string
	Status         model.TaskStatus
	Due            *time.Time
	OnCriticalPath bool
}

// AssigneeStats is the per-candidate historical signal the scoring formula
// needs (spec §4.7: "historicalCompletionRate", "activeTaskLoad",
// "overdueCount").
type AssigneeStats struct {
	AssigneeID               string
	HistoricalCompletionRate float64 // [0,1]
	ActiveTaskLoad           int
	OverdueCount             int
}

// AssigneeCandidate is one ranked scoring result.
type AssigneeCandidate struct {
	AssigneeID string
	Score      float64
	Reasons    []string
}

// MonteCarloSummary is C4's contribution to the bundle (spec §4.7).
type MonteCarloSummary struct {
	P50Days       float64
	P95Days       float64
	CPProbability float64
}

// MarkovSummary is C5's contribution to the bundle (spec §4.7).
type MarkovSummary struct {
	State                model.TaskStatus
	ExpectedDaysToAbsorption float64
}

// Input bundles everything Compute needs for one (plan, task) request.
type Input struct {
	Task           model.Task
	Now            time.Time
	OnCriticalPath bool
	SlackDays      float64
	Upstream       []UpstreamTask
	Candidates     []AssigneeStats // pool to score; CurrentAssignees are included for reference even if not top-3

	MonteCarlo    *MonteCarloSummary
	MonteCarloErr error
	Markov        *MarkovSummary
	MarkovErr     error
}

// Bundle is the C7 output.
type Bundle struct {
	TaskID              string
	RiskScore           int
	DependencyRisks     []DependencyRisk
	TimelineSuggestions []string
	TopAssignees        []AssigneeCandidate
	CurrentAssignees    []AssigneeCandidate
	MonteCarlo          *MonteCarloSummary
	Markov              *MarkovSummary
	Diagnostics         []string
}

const capPerComponent = 3

// Compute fuses Input into a Bundle. It never fails: a missing task is the
// caller's responsibility to check before invoking this package (spec §4.7:
// "overall call does not fail unless the task is not found" — that check
// belongs to the caller, which is the only place a repository lookup can
// happen).
func Compute(in Input) Bundle {
	dependencyRisks := dependencyRisks(in.Upstream, in.Now)
	timeline := timelineSuggestions(in.Task, in.Now, in.OnCriticalPath, in.SlackDays)
	overdue := isOverdue(in.Task, in.Now)

	h := countLevel(dependencyRisks, RiskHigh)
	r := resourceOverloadCount(in.Task.Assignees, in.Candidates)
	tcount := len(timeline)
	c := 0
	if in.OnCriticalPath {
		c = 1
	}
	o := 0
	if overdue {
		o = 1
	}

	raw := 30*capf(h) + 25*capf(tcount) + 20*capf(r) + 15*float64(c) + 10*float64(o)
	score := int(math.Round(math.Min(100, raw)))

	top, current := rankAssignees(in.Candidates, in.Task.Assignees)

	b := Bundle{
		TaskID:              in.Task.ID,
		RiskScore:           score,
		DependencyRisks:     dependencyRisks,
		TimelineSuggestions: timeline,
		TopAssignees:        top,
		CurrentAssignees:    current,
		MonteCarlo:          in.MonteCarlo,
		Markov:              in.Markov,
	}

	if in.MonteCarloErr != nil {
		b.Diagnostics = append(b.Diagnostics, fmt.Sprintf("monte carlo summary unavailable: %v", in.MonteCarloErr))
	}
	if in.MarkovErr != nil {
		b.Diagnostics = append(b.Diagnostics, fmt.Sprintf("markov summary unavailable: %v", in.MarkovErr))
	}

	return b
}

func capf(n int) float64 {
	if n > capPerComponent {
		n = capPerComponent
	}
	return float64(n)
}

func countLevel(risks []DependencyRisk, level DependencyRiskLevel) int {
	n := 0
	for _, r := range risks {
		if r.Level == level {
			n++
		}
	}
	return n
}

func isOverdue(t model.Task, now time.Time) bool {
	return t.Due != nil && t.Due.Before(now) && t.Status != model.StatusCompleted
}

// dependencyRisks implements spec §4.7's upstream classification: high iff
// delayed and on the critical path, medium iff delayed or blocked, low
// otherwise.
func dependencyRisks(upstream []UpstreamTask, now time.Time) []DependencyRisk {
	out := make([]DependencyRisk, 0, len(upstream))
	for _, u := range upstream {
		delayed := u.Due != nil && u.Due.Before(now) && u.Status != model.StatusCompleted
		blocked := u.Status == model.StatusBlocked

		var level DependencyRiskLevel
		switch {
		case delayed && u.OnCriticalPath:
			level = RiskHigh
		case delayed || blocked:
			level = RiskMedium
		default:
			level = RiskLow
		}

		delayDays := 0.0
		if delayed {
			delayDays = math.Trunc(now.Sub(*u.Due).Hours() / 24)
		}

		out = append(out, DependencyRisk{TaskID: u.TaskID, Level: level, DelayDays: delayDays})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// timelineSuggestions implements spec §4.7's three heuristics.
func timelineSuggestions(t model.Task, now time.Time, onCP bool, slackDays float64) []string {
	var out []string
	if t.Due != nil && t.Due.Before(now) && t.Status != model.StatusCompleted {
		out = append(out, "overdue")
	}
	if t.Due != nil && !t.Due.Before(now) && t.Due.Sub(now).Hours()/24 <= 3 && t.PercentComplete < 50 {
		out = append(out, "at risk")
	}
	if onCP && slackDays < 2 {
		out = append(out, "cp-tight")
	}
	return out
}

// resourceOverloadCount counts how many of the task's current assignees look
// overloaded relative to the candidate pool (spec §4.7: "resource-overload
// indicators"), using the same load/overdue ratios the scoring formula uses.
func resourceOverloadCount(currentAssignees []string, candidates []AssigneeStats) int {
	maxLoad, maxOverdue := maxima(candidates)
	byID := make(map[string]AssigneeStats, len(candidates))
	for _, c := range candidates {
		byID[c.AssigneeID] = c
	}

	n := 0
	for _, id := range currentAssignees {
		c, ok := byID[id]
		if !ok {
			continue
		}
		loadRatio := ratio(float64(c.ActiveTaskLoad), maxLoad)
		overdueRatio := ratio(float64(c.OverdueCount), maxOverdue)
		if loadRatio > 0.8 || overdueRatio > 0.8 {
			n++
		}
	}
	return n
}

func maxima(candidates []AssigneeStats) (maxLoad, maxOverdue float64) {
	for _, c := range candidates {
		if float64(c.ActiveTaskLoad) > maxLoad {
			maxLoad = float64(c.ActiveTaskLoad)
		}
		if float64(c.OverdueCount) > maxOverdue {
			maxOverdue = float64(c.OverdueCount)
		}
	}
	return
}

func ratio(v, max float64) float64 {
	if max == 0 {
		return 0
	}
	return v / max
}

// rankAssignees scores every candidate via spec §4.7's formula and returns
// the top 3 by descending score (ties broken by ascending id), plus scored
// entries for every currently-assigned user for reference.
func rankAssignees(candidates []AssigneeStats, currentAssignees []string) (top, current []AssigneeCandidate) {
	maxLoad, maxOverdue := maxima(candidates)

	scored := make([]AssigneeCandidate, 0, len(candidates))
	byID := make(map[string]AssigneeCandidate, len(candidates))
	for _, c := range candidates {
		loadRatio := ratio(float64(c.ActiveTaskLoad), maxLoad)
		overdueRatio := ratio(float64(c.OverdueCount), maxOverdue)
		score := 0.5*c.HistoricalCompletionRate - 0.3*loadRatio - 0.2*overdueRatio

		var reasons []string
		reasons = append(reasons, fmt.Sprintf("completion rate %.0f%%", c.HistoricalCompletionRate*100))
		if loadRatio > 0 {
			reasons = append(reasons, fmt.Sprintf("active load %d", c.ActiveTaskLoad))
		}
		if overdueRatio > 0 {
			reasons = append(reasons, fmt.Sprintf("%d overdue", c.OverdueCount))
		}

		ac := AssigneeCandidate{AssigneeID: c.AssigneeID, Score: score, Reasons: reasons}
		scored = append(scored, ac)
		byID[c.AssigneeID] = ac
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].AssigneeID < scored[j].AssigneeID
	})

	if len(scored) > capPerComponent {
		top = append([]AssigneeCandidate(nil), scored[:capPerComponent]...)
	} else {
		top = scored
	}

	for _, id := range currentAssignees {
		if ac, ok := byID[id]; ok {
			current = append(current, ac)
		}
	}

	return top, current
}
