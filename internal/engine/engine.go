// Package engine implements C's request-level API (spec §6): the
// collaborator-of-collaborators facade a transport layer would sit in front
// of, built the way the teacher's internal/api.Server composes its store,
// scheduler, and dispatcher — minus the HTTP transport, which is out of
// scope here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/congressops/planloom/internal/calendar"
	"github.com/congressops/planloom/internal/config"
	"github.com/congressops/planloom/internal/events"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/lockmgr"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/mutation"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
)

// Engine is the single entry point every operation in spec §6 hangs off of.
type Engine struct {
	repo      repo.Repository
	locks     *lockmgr.Manager
	mutations *mutation.Service
	events    *events.Service
	cfg       *config.Config
	cal       calendar.Calendar
	logger    *slog.Logger
}

// New wires a repository and config into a ready-to-use Engine.
func New(r repo.Repository, cfg *config.Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	locks := lockmgr.New(r, cfg.Locks.DefaultTTL.Duration, logger)
	return &Engine{
		repo:      r,
		locks:     locks,
		mutations: mutation.New(r, locks),
		events:    events.New(r, locks, nil),
		cfg:       cfg,
		cal:       calendar.ForName(cfg.General.Calendar),
		logger:    logger,
	}
}

func (e *Engine) ListPlans(ctx context.Context) ([]model.Plan, error) {
	return e.repo.ListPlans(ctx)
}

func (e *Engine) GetPlan(ctx context.Context, planID string) (model.Plan, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	return snap.Plan, nil
}

func (e *Engine) GetBuckets(ctx context.Context, planID string) ([]model.Bucket, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return snap.Buckets, nil
}

func (e *Engine) GetTasks(ctx context.Context, planID string) ([]model.Task, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return snap.Tasks, nil
}

func (e *Engine) GetTask(ctx context.Context, planID, taskID string) (model.Task, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return model.Task{}, err
	}
	for _, t := range snap.Tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return model.Task{}, perr.NewNotFound("Task", taskID)
}

func (e *Engine) CreateTask(ctx context.Context, actor string, task model.Task) (mutation.WriteResult, error) {
	return e.mutations.CreateTask(ctx, actor, task)
}

func (e *Engine) UpdateTask(ctx context.Context, actor string, task model.Task) (mutation.WriteResult, error) {
	return e.mutations.UpdateTask(ctx, actor, task)
}

func (e *Engine) DeleteTask(ctx context.Context, actor, planID, taskID string) error {
	return e.mutations.DeleteTask(ctx, actor, planID, taskID)
}

func (e *Engine) AddSubtask(ctx context.Context, actor string, sub model.Subtask) error {
	return e.mutations.AddSubtask(ctx, actor, sub)
}

func (e *Engine) UpdateSubtask(ctx context.Context, actor string, sub model.Subtask) error {
	return e.mutations.UpdateSubtask(ctx, actor, sub)
}

func (e *Engine) DeleteSubtask(ctx context.Context, actor, planID, taskID, subtaskID string) error {
	return e.mutations.DeleteSubtask(ctx, actor, planID, taskID, subtaskID)
}

func (e *Engine) AddDependency(ctx context.Context, actor string, dep model.Dependency) error {
	return e.mutations.AddDependency(ctx, actor, dep)
}

func (e *Engine) RemoveDependency(ctx context.Context, actor, planID, predecessorID, successorID string) error {
	return e.mutations.RemoveDependency(ctx, actor, planID, predecessorID, successorID)
}

// DependenciesView answers GetDependencies (spec §6): the upstream and
// downstream closures of one task plus a human-readable impact statement.
type DependenciesView struct {
	Upstream        []string
	Downstream      []string
	ImpactStatement string
}

func (e *Engine) GetDependencies(ctx context.Context, planID, taskID string) (DependenciesView, error) {
	snap, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return DependenciesView{}, err
	}
	g, diagnostics, err := e.buildGraphRepairing(planID, snap.Tasks, snap.Dependencies)
	if err != nil {
		return DependenciesView{}, err
	}
	if g.Task(taskID) == nil {
		return DependenciesView{}, perr.NewNotFound("Task", taskID)
	}

	upstream := g.UpstreamClosure(taskID)
	downstream := g.DownstreamClosure(taskID)
	statement := fmt.Sprintf("%d upstream, %d downstream task(s) depend on this task's schedule", len(upstream), len(downstream))
	if len(diagnostics) > 0 {
		statement += "; " + diagnostics[0]
	}
	return DependenciesView{Upstream: upstream, Downstream: downstream, ImpactStatement: statement}, nil
}

// buildGraphRepairing builds a dependency graph, and when a cycle is
// observed, repairs it by dropping edges internal to the offending node set
// and retrying rather than failing the whole read (spec §7: "Mutation
// refused; load repairs by excluding the offending edge and reports it in
// diagnostics"). Mutating callers (AddDependency et al.) go through
// internal/mutation instead, which refuses outright.
func (e *Engine) buildGraphRepairing(planID string, tasks []model.Task, deps []model.Dependency) (*graph.Graph, []string, error) {
	var diagnostics []string
	remaining := append([]model.Dependency(nil), deps...)
	for attempt := 0; attempt < 10; attempt++ {
		g, err := graph.Build(planID, tasks, remaining)
		if err == nil {
			return g, diagnostics, nil
		}
		var cycle *perr.CycleError
		if !errors.As(err, &cycle) {
			return nil, diagnostics, err
		}
		inCycle := make(map[string]bool, len(cycle.NodeIDs))
		for _, id := range cycle.NodeIDs {
			inCycle[id] = true
		}
		kept := remaining[:0:0]
		var dropped model.Dependency
		found := false
		for _, d := range remaining {
			if !found && inCycle[d.PredecessorID] && inCycle[d.SuccessorID] {
				dropped = d
				found = true
				continue
			}
			kept = append(kept, d)
		}
		if !found {
			return nil, diagnostics, err
		}
		diagnostics = append(diagnostics, fmt.Sprintf("excluded cyclic dependency %s -> %s to load the plan", dropped.PredecessorID, dropped.SuccessorID))
		remaining = kept
	}
	return nil, diagnostics, perr.NewCycle(nil)
}

func (e *Engine) ListTemplates(ctx context.Context) ([]model.Plan, error) {
	return e.repo.ListPlans(ctx)
}

func (e *Engine) CloneTemplate(ctx context.Context, sourcePlanID, targetPlanID string, eventDate time.Time, preserveIDs bool) (model.Plan, error) {
	return e.mutations.CloneTemplate(ctx, sourcePlanID, targetPlanID, mutation.CloneOptions{
		TargetEventDate:     eventDate,
		PreserveSemanticIDs: preserveIDs,
	})
}
