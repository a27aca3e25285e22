// Package attention implements C10: pure derivations over a plan snapshot
// that surface what a human should look at next (spec §4.10). Every view is
// a stable sort over the same tie-break chain (due ascending, then id
// ascending), in the spirit of the teacher's FilterUnblockedOpen.
package attention

import (
	"sort"
	"time"

	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/model"
)

// defaultMaxListSize is the bound each view applies when the caller doesn't
// override it (spec §4.10: "bounded (default 20) list").
const defaultMaxListSize = 20

// Entry is one task surfaced by a view.
type Entry struct {
	TaskID string
	Due    *time.Time
}

// View is a count plus a bounded, sorted sample of the matching tasks.
type View struct {
	Count int
	Tasks []Entry
}

// Input bundles what every view needs. CriticalPath is the set of task ids
// currently on the critical path (from C2); it may be nil when the caller
// didn't compute one, in which case CPDueSoon is always empty.
type Input struct {
	Tasks          []model.Task
	Graph          *graph.Graph // supplies predecessor edges for blocker detection; nil treats every task as isolated
	CriticalPath   map[string]bool
	Now            time.Time
	PreviousSyncAt *time.Time
	MaxListSize    int
}

// Report bundles all five views (spec §6: GetAttention).
type Report struct {
	Blockers        View
	Overdue         View
	DueSoon         View
	CPDueSoon       View
	RecentlyChanged View
}

// Compute derives all five views from in in one pass over the task list.
func Compute(in Input) Report {
	maxSize := in.MaxListSize
	if maxSize <= 0 {
		maxSize = defaultMaxListSize
	}

	statusByID := statusMap(in.Tasks)

	var blockers, overdue, dueSoon, cpDueSoon, recentlyChanged []model.Task

	recentWindowStart := in.Now.Add(-24 * time.Hour)
	if in.PreviousSyncAt != nil {
		recentWindowStart = *in.PreviousSyncAt
	}
	dueSoonEnd := in.Now.AddDate(0, 0, 7)

	for _, t := range in.Tasks {
		if isBlocker(t, in.Graph, statusByID) {
			blockers = append(blockers, t)
		}
		if isOverdue(t, in.Now) {
			overdue = append(overdue, t)
		}
		soon := isDueSoon(t, in.Now, dueSoonEnd)
		if soon {
			dueSoon = append(dueSoon, t)
		}
		if soon && in.CriticalPath[t.ID] {
			cpDueSoon = append(cpDueSoon, t)
		}
		if !t.UpdatedAt.Before(recentWindowStart) && t.UpdatedAt.Before(in.Now) {
			recentlyChanged = append(recentlyChanged, t)
		}
	}

	return Report{
		Blockers:        buildView(blockers, maxSize),
		Overdue:         buildView(overdue, maxSize),
		DueSoon:         buildView(dueSoon, maxSize),
		CPDueSoon:       buildView(cpDueSoon, maxSize),
		RecentlyChanged: buildView(recentlyChanged, maxSize),
	}
}

func isBlocker(t model.Task, g *graph.Graph, statuses map[string]model.TaskStatus) bool {
	if t.Status == model.StatusBlocked {
		return true
	}
	if t.Status != model.StatusNotStarted || g == nil {
		return false
	}
	for _, pred := range g.Predecessors(t.ID) {
		if statuses[pred] != model.StatusCompleted {
			return true
		}
	}
	return false
}

func isOverdue(t model.Task, now time.Time) bool {
	return t.Due != nil && t.Due.Before(now) && t.Status != model.StatusCompleted && t.Status != model.StatusCancelled
}

func isDueSoon(t model.Task, now, windowEnd time.Time) bool {
	if t.Due == nil || t.Status == model.StatusCompleted || t.Status == model.StatusCancelled {
		return false
	}
	return !t.Due.Before(now) && !t.Due.After(windowEnd)
}

func statusMap(tasks []model.Task) map[string]model.TaskStatus {
	out := make(map[string]model.TaskStatus, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t.Status
	}
	return out
}

func buildView(tasks []model.Task, maxSize int) View {
	sort.SliceStable(tasks, func(i, j int) bool {
		di, dj := tasks[i].Due, tasks[j].Due
		switch {
		case di == nil && dj == nil:
			return tasks[i].ID < tasks[j].ID
		case di == nil:
			return false
		case dj == nil:
			return true
		case !di.Equal(*dj):
			return di.Before(*dj)
		default:
			return tasks[i].ID < tasks[j].ID
		}
	})

	entries := make([]Entry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, Entry{TaskID: t.ID, Due: t.Due})
	}

	bounded := entries
	if len(bounded) > maxSize {
		bounded = bounded[:maxSize]
	}
	return View{Count: len(entries), Tasks: bounded}
}
