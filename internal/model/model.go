// Package model defines the persistent data shapes shared across planloom's
// analytical and mutation components (spec §3).
package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusNotStarted  TaskStatus = "NotStarted"
	StatusInProgress  TaskStatus = "InProgress"
	StatusBlocked     TaskStatus = "Blocked"
	StatusUnderReview TaskStatus = "UnderReview"
	StatusCompleted   TaskStatus = "Completed"
	StatusCancelled   TaskStatus = "Cancelled"
)

// Absorbing reports whether the status is a terminal Markov state (spec §4.5).
func (s TaskStatus) Absorbing() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DependencyType is the scheduling relationship between predecessor and
// successor tasks (spec §3, glossary).
type DependencyType string

const (
	DepFS DependencyType = "FS"
	DepSS DependencyType = "SS"
	DepFF DependencyType = "FF"
	DepSF DependencyType = "SF"
)

// ActionStatus is the lifecycle of a ProposedAction (spec §3/§4.9).
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
)

// Severity classifies an ExternalEvent (spec §3).
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Plan is the top-level container for a congress/event program schedule.
type Plan struct {
	ID              string
	Name            string
	TargetEventDate *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Bucket is a workstream/phase grouping used as an analytical dimension.
type Bucket struct {
	ID        string
	PlanID    string
	Name      string
	OrderHint string
}

// Task is a schedulable unit of work within a Plan.
type Task struct {
	PlanID            string
	ID                string
	Title             string
	BucketID          string
	Status            TaskStatus
	PercentComplete   int
	Start             *time.Time
	Due               *time.Time
	CompletedAt       *time.Time
	Priority          int
	Assignees         []string
	Categories        []string
	Description       string
	OrderHint         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CreatedBy         string
	CompletedBy       string
}

// Clone returns a deep copy so callers can mutate without aliasing shared state.
func (t Task) Clone() Task {
	cp := t
	if t.Assignees != nil {
		cp.Assignees = append([]string(nil), t.Assignees...)
	}
	if t.Categories != nil {
		cp.Categories = append([]string(nil), t.Categories...)
	}
	if t.Start != nil {
		s := *t.Start
		cp.Start = &s
	}
	if t.Due != nil {
		d := *t.Due
		cp.Due = &d
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return cp
}

// Subtask is a checklist item owned by a Task.
type Subtask struct {
	ID         string
	TaskID     string
	PlanID     string
	Title      string
	Checked    bool
	OrderHint  string
	ModifiedAt time.Time
}

// Dependency is a directed edge between two tasks within the same plan.
type Dependency struct {
	PlanID        string
	PredecessorID string
	SuccessorID   string
	Type          DependencyType
}

// TaskLock is an advisory per-task lock (spec §4.8).
type TaskLock struct {
	PlanID     string
	TaskID     string
	Holder     string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt returns the instant at which the lock becomes stale.
func (l TaskLock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Expired reports whether the lock is stale as of now.
func (l TaskLock) Expired(now time.Time) bool {
	return l.ExpiresAt().Before(now)
}

// ExternalEvent is an outside occurrence that may imply task mutations.
type ExternalEvent struct {
	ID             int64
	PlanID         string
	EventType      string
	Title          string
	Description    string
	Severity       Severity
	AffectedTaskIDs []string
	Payload        map[string]any
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// ProposedAction is a candidate mutation awaiting human decision.
type ProposedAction struct {
	ID              int64
	PlanID          string
	ExternalEventID *int64
	TargetTaskID    string
	ActionType      string
	Title           string
	Description     string
	Payload         map[string]any
	Status          ActionStatus
	CreatedAt       time.Time
	DecidedAt       *time.Time
	DecidedBy       string
}

// AuditEntry records one lock or approval decision for operational history
// (spec.md §9 "shared mutable state" + SPEC_FULL.md §11 audit trail).
type AuditEntry struct {
	ID        int64
	PlanID    string
	Actor     string
	Action    string // e.g. "AcquireLock", "ReleaseLock", "ApproveAction", "RejectAction"
	TargetID  string // task id or proposed-action id, as a string
	CreatedAt time.Time
}

// HistoricalSample is one completed task contributed by a past plan (spec §3, used only by C3).
type HistoricalSample struct {
	PlanID             string
	TaskID             string
	BucketName         string
	TaskType           string
	PlannedDurationDays float64
	ActualDurationDays  float64
	AssigneeIDs        []string
	TerminalState      TaskStatus
	BlockCount         int
	CompletedAt        time.Time
}

// TransitionMatrix is a sparse (from, to) -> probability mapping keyed by a
// context string such as "bucket:Registration" (spec §3).
type TransitionMatrix struct {
	Context     string
	Transitions map[string]map[string]float64
}

// PERT is an (optimistic, most likely, pessimistic) duration triple in days.
type PERT struct {
	Optimistic  float64
	MostLikely  float64
	Pessimistic float64
}

// Mean returns the Beta-PERT expected duration, mu = (O + 4M + P) / 6.
func (p PERT) Mean() float64 {
	return (p.Optimistic + 4*p.MostLikely + p.Pessimistic) / 6
}

// Degenerate reports whether the triple collapses to a point mass (O == P).
func (p PERT) Degenerate() bool {
	return p.Pessimistic <= p.Optimistic
}
