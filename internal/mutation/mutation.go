// Package mutation implements C11: the transactional CRUD surface over
// plans/buckets/tasks/subtasks/dependencies, dependency-cycle pre-checks,
// template cloning, and Planner-style order-hint generation (spec §4.11).
// Every write-bearing method runs inside exactly one internal/repo.Tx and
// honors the C8 lock contract before touching a task.
package mutation

import (
	"context"
	"fmt"
	"time"

	"github.com/congressops/planloom/internal/cachekey"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/lockmgr"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
	"github.com/google/uuid"
)

// Service is C11's entry point, composed over the repository contract and
// the lock manager (spec §4.11: "All mutations require the Lock Manager
// contract in §4.8").
type Service struct {
	repo        repo.Repository
	locks       *lockmgr.Manager
	fingerprints *cachekey.MemoCache[string, string] // taskID -> last-written fingerprint
}

// New builds a Service.
func New(r repo.Repository, locks *lockmgr.Manager) *Service {
	return &Service{repo: r, locks: locks, fingerprints: cachekey.NewMemoCache[string, string]()}
}

// WriteResult reports whether a task write materially changed the
// tracked fields since the last write this process observed (spec §4.11:
// "dirty-since-sync flag").
type WriteResult struct {
	Task            model.Task
	DirtySinceSync bool
}

func taskFingerprint(t model.Task) string {
	fields := map[string]string{
		"title":            t.Title,
		"bucket_id":        t.BucketID,
		"status":           string(t.Status),
		"percent_complete": fmt.Sprintf("%d", t.PercentComplete),
		"priority":         fmt.Sprintf("%d", t.Priority),
		"order_hint":       t.OrderHint,
		"description":      t.Description,
	}
	if t.Start != nil {
		fields["start"] = t.Start.UTC().Format(time.RFC3339)
	}
	if t.Due != nil {
		fields["due"] = t.Due.UTC().Format(time.RFC3339)
	}
	for i, a := range t.Assignees {
		fields[fmt.Sprintf("assignee_%d", i)] = a
	}
	for i, c := range t.Categories {
		fields[fmt.Sprintf("category_%d", i)] = c
	}
	return cachekey.Fingerprint(fields)
}

func (s *Service) withTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// validateTask enforces the task invariants spec §3/§8 requires of every
// write: percent-complete range and its coupling to status, the
// Completed<=>completedDateTime biconditional, start<=due, and no duplicate
// assignees.
func validateTask(t model.Task) error {
	if t.PercentComplete < 0 || t.PercentComplete > 100 {
		return perr.NewValidation("percent_complete", fmt.Sprintf("%d out of range 0-100", t.PercentComplete))
	}
	switch t.Status {
	case model.StatusNotStarted:
		if t.PercentComplete != 0 {
			return perr.NewValidation("percent_complete", "must be 0 when status is NotStarted")
		}
	case model.StatusCompleted:
		if t.PercentComplete != 100 {
			return perr.NewValidation("percent_complete", "must be 100 when status is Completed")
		}
	}
	if (t.Status == model.StatusCompleted) != (t.CompletedAt != nil) {
		return perr.NewValidation("completed_at", "must be set iff status is Completed")
	}
	if t.Start != nil && t.Due != nil && t.Start.After(*t.Due) {
		return perr.NewValidation("start", "must be <= due")
	}
	seen := make(map[string]bool, len(t.Assignees))
	for _, a := range t.Assignees {
		if seen[a] {
			return perr.NewValidation("assignees", fmt.Sprintf("duplicate assignee %q", a))
		}
		seen[a] = true
	}
	return nil
}

// validateMonotonicPercent enforces that percent-complete never regresses
// across an update (spec §3: "monotone non-decreasing").
func validateMonotonicPercent(prev, next model.Task) error {
	if next.PercentComplete < prev.PercentComplete {
		return perr.NewValidation("percent_complete", fmt.Sprintf("must not decrease (%d -> %d)", prev.PercentComplete, next.PercentComplete))
	}
	return nil
}

// CreateTask inserts a new task and seeds its fingerprint baseline.
func (s *Service) CreateTask(ctx context.Context, actor string, task model.Task) (WriteResult, error) {
	if err := validateTask(task); err != nil {
		return WriteResult{}, err
	}
	if err := s.locks.CheckMutationAllowed(ctx, task.PlanID, task.ID, actor, time.Now()); err != nil {
		return WriteResult{}, err
	}
	err := s.withTx(ctx, func(tx repo.Tx) error {
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return WriteResult{}, err
	}
	fp := taskFingerprint(task)
	s.fingerprints.Put(task.ID, fp, fp)
	return WriteResult{Task: task, DirtySinceSync: true}, nil
}

// UpdateTask writes task and reports whether its tracked fields changed
// since the last write this process observed.
func (s *Service) UpdateTask(ctx context.Context, actor string, task model.Task) (WriteResult, error) {
	if err := validateTask(task); err != nil {
		return WriteResult{}, err
	}
	if err := s.locks.CheckMutationAllowed(ctx, task.PlanID, task.ID, actor, time.Now()); err != nil {
		return WriteResult{}, err
	}
	err := s.withTx(ctx, func(tx repo.Tx) error {
		snapshot, err := tx.LoadPlan(ctx, task.PlanID)
		if err != nil {
			return err
		}
		for _, prev := range snapshot.Tasks {
			if prev.ID == task.ID {
				if err := validateMonotonicPercent(prev, task); err != nil {
					return err
				}
				break
			}
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return WriteResult{}, err
	}

	fp := taskFingerprint(task)
	_, matched := s.fingerprints.Get(task.ID, fp)
	s.fingerprints.Put(task.ID, fp, fp)
	return WriteResult{Task: task, DirtySinceSync: !matched}, nil
}

// DeleteTask removes a task and drops its fingerprint baseline.
func (s *Service) DeleteTask(ctx context.Context, actor, planID, taskID string) error {
	if err := s.locks.CheckMutationAllowed(ctx, planID, taskID, actor, time.Now()); err != nil {
		return err
	}
	if err := s.withTx(ctx, func(tx repo.Tx) error {
		return tx.DeleteTask(ctx, planID, taskID)
	}); err != nil {
		return err
	}
	s.fingerprints.Invalidate(taskID)
	return nil
}

// AddSubtask, UpdateSubtask, DeleteSubtask require the owning task's lock,
// same as a task edit (a checklist item is part of the task it belongs to).

func (s *Service) AddSubtask(ctx context.Context, actor string, sub model.Subtask) error {
	if err := s.locks.CheckMutationAllowed(ctx, sub.PlanID, sub.TaskID, actor, time.Now()); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx repo.Tx) error {
		return tx.CreateSubtask(ctx, sub)
	})
}

func (s *Service) UpdateSubtask(ctx context.Context, actor string, sub model.Subtask) error {
	if err := s.locks.CheckMutationAllowed(ctx, sub.PlanID, sub.TaskID, actor, time.Now()); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx repo.Tx) error {
		return tx.UpdateSubtask(ctx, sub)
	})
}

func (s *Service) DeleteSubtask(ctx context.Context, actor, planID, taskID, subtaskID string) error {
	if err := s.locks.CheckMutationAllowed(ctx, planID, taskID, actor, time.Now()); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx repo.Tx) error {
		return tx.DeleteSubtask(ctx, planID, subtaskID)
	})
}

// AddDependency refuses the edge if it would create a cycle (spec §4.11:
// "pre-check via DFS from successor to predecessor"), reusing
// internal/graph.Graph.WouldCycle over the plan's current dependency set.
func (s *Service) AddDependency(ctx context.Context, actor string, dep model.Dependency) error {
	if err := s.locks.CheckMutationAllowed(ctx, dep.PlanID, dep.SuccessorID, actor, time.Now()); err != nil {
		return err
	}

	snapshot, err := s.repo.LoadPlan(ctx, dep.PlanID)
	if err != nil {
		return err
	}
	g, err := graph.Build(dep.PlanID, snapshot.Tasks, snapshot.Dependencies)
	if err != nil {
		return err
	}
	if g.WouldCycle(dep.PredecessorID, dep.SuccessorID) {
		return perr.NewCycle([]string{dep.PredecessorID, dep.SuccessorID})
	}
	for _, existing := range snapshot.Dependencies {
		if existing.PredecessorID == dep.PredecessorID && existing.SuccessorID == dep.SuccessorID {
			return perr.NewConflict(perr.ConflictDuplicateDependency,
				fmt.Sprintf("dependency %s->%s already exists", dep.PredecessorID, dep.SuccessorID))
		}
	}

	return s.withTx(ctx, func(tx repo.Tx) error {
		return tx.AddDependency(ctx, dep)
	})
}

// RemoveDependency requires the successor's lock, matching AddDependency.
func (s *Service) RemoveDependency(ctx context.Context, actor, planID, predecessorID, successorID string) error {
	if err := s.locks.CheckMutationAllowed(ctx, planID, successorID, actor, time.Now()); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx repo.Tx) error {
		return tx.RemoveDependency(ctx, planID, predecessorID, successorID)
	})
}

// CloneOptions controls CloneTemplate (spec §4.11).
type CloneOptions struct {
	TargetEventDate      time.Time
	PreserveSemanticIDs bool // keep source task/bucket/subtask ids verbatim instead of minting new ones
}

// CloneTemplate copies a source plan's structure into a brand-new target
// plan, shifting every date-typed field uniformly so the latest due lands on
// TargetEventDate, and resetting all progress fields (spec §4.11).
func (s *Service) CloneTemplate(ctx context.Context, sourcePlanID, targetPlanID string, opts CloneOptions) (model.Plan, error) {
	snapshot, err := s.repo.LoadPlan(ctx, sourcePlanID)
	if err != nil {
		return model.Plan{}, err
	}

	shift := dateShift(snapshot.Tasks, opts.TargetEventDate)

	idFor := func(prefix, sourceID string) string {
		if opts.PreserveSemanticIDs {
			return sourceID
		}
		return prefix + "-" + uuid.NewString()
	}

	newTarget := model.Plan{
		ID: targetPlanID, Name: snapshot.Plan.Name, TargetEventDate: &opts.TargetEventDate,
	}

	bucketIDMap := make(map[string]string, len(snapshot.Buckets))
	newBuckets := make([]model.Bucket, len(snapshot.Buckets))
	for i, b := range snapshot.Buckets {
		newID := idFor("bucket", b.ID)
		bucketIDMap[b.ID] = newID
		newBuckets[i] = model.Bucket{ID: newID, PlanID: targetPlanID, Name: b.Name, OrderHint: b.OrderHint}
	}

	taskIDMap := make(map[string]string, len(snapshot.Tasks))
	newTasks := make([]model.Task, len(snapshot.Tasks))
	for i, t := range snapshot.Tasks {
		newID := idFor("task", t.ID)
		taskIDMap[t.ID] = newID
		newTasks[i] = model.Task{
			PlanID: targetPlanID, ID: newID, Title: t.Title, BucketID: bucketIDMap[t.BucketID],
			Status: model.StatusNotStarted, PercentComplete: 0,
			Start: shiftedPtr(t.Start, shift), Due: shiftedPtr(t.Due, shift),
			CompletedAt: nil, Priority: t.Priority,
			Assignees: append([]string(nil), t.Assignees...), Categories: append([]string(nil), t.Categories...),
			Description: t.Description, OrderHint: t.OrderHint,
		}
	}

	newSubtasks := make([]model.Subtask, len(snapshot.Subtasks))
	for i, st := range snapshot.Subtasks {
		newSubtasks[i] = model.Subtask{
			ID: idFor("subtask", st.ID), TaskID: taskIDMap[st.TaskID], PlanID: targetPlanID,
			Title: st.Title, Checked: false, OrderHint: st.OrderHint,
		}
	}

	newDeps := make([]model.Dependency, len(snapshot.Dependencies))
	for i, d := range snapshot.Dependencies {
		newDeps[i] = model.Dependency{
			PlanID: targetPlanID, PredecessorID: taskIDMap[d.PredecessorID],
			SuccessorID: taskIDMap[d.SuccessorID], Type: d.Type,
		}
	}

	err = s.withTx(ctx, func(tx repo.Tx) error {
		if err := tx.CreatePlan(ctx, newTarget); err != nil {
			return err
		}
		for _, b := range newBuckets {
			if err := tx.CreateBucket(ctx, b); err != nil {
				return err
			}
		}
		for _, t := range newTasks {
			if err := tx.CreateTask(ctx, t); err != nil {
				return err
			}
		}
		for _, st := range newSubtasks {
			if err := tx.CreateSubtask(ctx, st); err != nil {
				return err
			}
		}
		for _, d := range newDeps {
			if err := tx.AddDependency(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Plan{}, err
	}
	return newTarget, nil
}

// dateShift computes Delta = targetEventDate - max(due in source) (spec
// §4.11), in calendar days.
func dateShift(tasks []model.Task, targetEventDate time.Time) time.Duration {
	var maxDue *time.Time
	for _, t := range tasks {
		if t.Due == nil {
			continue
		}
		if maxDue == nil || t.Due.After(*maxDue) {
			due := *t.Due
			maxDue = &due
		}
	}
	if maxDue == nil {
		return 0
	}
	return targetEventDate.Sub(*maxDue)
}

func shiftedPtr(t *time.Time, shift time.Duration) *time.Time {
	if t == nil {
		return nil
	}
	shifted := t.Add(shift)
	return &shifted
}

// orderAlphabet is the digit set Planner-style order hints are drawn from.
const orderAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// MidpointOrderHint returns a string that sorts strictly between prev and
// next lexicographically (spec §4.11: "generators insert at position by
// midpoint of neighbors"). Pass "" for prev/next to mean "no lower/upper
// neighbor".
func MidpointOrderHint(prev, next string) string {
	var out []byte
	for i := 0; ; i++ {
		lo := 0
		if i < len(prev) {
			lo = orderDigit(prev[i])
		}
		hi := len(orderAlphabet)
		if next != "" && i < len(next) {
			hi = orderDigit(next[i])
		}
		if hi-lo > 1 {
			mid := lo + (hi-lo)/2
			out = append(out, orderAlphabet[mid])
			return string(out)
		}
		out = append(out, orderAlphabet[lo])
		if i > 64 { // pathological input guard; practically unreachable
			out = append(out, orderAlphabet[len(orderAlphabet)/2])
			return string(out)
		}
	}
}

func orderDigit(c byte) int {
	for i := 0; i < len(orderAlphabet); i++ {
		if orderAlphabet[i] == c {
			return i
		}
	}
	return 0
}
