// Package repo implements C12: the abstract repository contract and a
// modernc.org/sqlite-backed reference implementation (spec §4.12).
//
// The contract is deliberately backend-agnostic — "any backend providing
// snapshot isolation for a single write transaction" — so callers depend on
// the Repository/Tx interfaces, not on *SQLiteRepository directly.
package repo

import (
	"context"

	"github.com/congressops/planloom/internal/model"
)

// PlanSnapshot is everything C1/C2/.../C7 need to operate referentially
// transparently against one loaded instant (spec §4.12, §5 "Ordering
// guarantees").
type PlanSnapshot struct {
	Plan         model.Plan
	Buckets      []model.Bucket
	Tasks        []model.Task
	Subtasks     []model.Subtask
	Dependencies []model.Dependency
}

// Repository is the abstract persistence contract. Every mutation-bearing
// method is expected to be called from inside a Tx obtained via Begin.
type Repository interface {
	// LoadPlan returns the full snapshot (tasks, deps, subtasks) for planID.
	LoadPlan(ctx context.Context, planID string) (PlanSnapshot, error)
	ListPlans(ctx context.Context) ([]model.Plan, error)

	ListHistoricalSamples(ctx context.Context, bucketID string) ([]model.HistoricalSample, error)
	RecordHistoricalSample(ctx context.Context, sample model.HistoricalSample) error

	GetLock(ctx context.Context, planID, taskID string) (model.TaskLock, bool, error)
	PutLock(ctx context.Context, lock model.TaskLock) error
	DeleteLock(ctx context.Context, planID, taskID string) error

	ListEvents(ctx context.Context, planID string) ([]model.ExternalEvent, error)
	PutEvent(ctx context.Context, event model.ExternalEvent) (int64, error)
	DeleteEvent(ctx context.Context, planID string, eventID int64) error

	ListProposedActions(ctx context.Context, planID string) ([]model.ProposedAction, error)
	PutProposedAction(ctx context.Context, action model.ProposedAction) (int64, error)
	DeleteProposedAction(ctx context.Context, planID string, actionID int64) error

	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAuditEntries(ctx context.Context, planID string) ([]model.AuditEntry, error)

	// Begin opens a unit-of-work. All reads and writes issued against the
	// returned Tx observe the same snapshot (spec §5).
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a transactional unit-of-work: every Repository-shaped method is also
// available here, scoped to the transaction, plus the mutation surface C11
// needs (plan/bucket/task/subtask/dependency CRUD).
type Tx interface {
	Repository

	CreatePlan(ctx context.Context, plan model.Plan) error
	UpdatePlan(ctx context.Context, plan model.Plan) error
	DeletePlan(ctx context.Context, planID string) error

	CreateBucket(ctx context.Context, bucket model.Bucket) error
	UpdateBucket(ctx context.Context, bucket model.Bucket) error
	DeleteBucket(ctx context.Context, planID, bucketID string) error

	CreateTask(ctx context.Context, task model.Task) error
	UpdateTask(ctx context.Context, task model.Task) error
	DeleteTask(ctx context.Context, planID, taskID string) error

	CreateSubtask(ctx context.Context, subtask model.Subtask) error
	UpdateSubtask(ctx context.Context, subtask model.Subtask) error
	DeleteSubtask(ctx context.Context, planID, subtaskID string) error

	AddDependency(ctx context.Context, dep model.Dependency) error
	RemoveDependency(ctx context.Context, planID, predecessorID, successorID string) error

	Commit() error
	Rollback() error
}

var (
	_ Repository = (*SQLiteRepository)(nil)
	_ Tx         = (*sqliteTx)(nil)
)
