// Package temporalflow wraps C9's external-event workflow and C4's
// simulation engine as Temporal workflows/activities, grounded on the
// teacher's internal/temporal package: signal-gated human decision points
// (internal/temporal/planning_workflow.go's sequential-question loop) and a
// heartbeating long-running activity (internal/temporal/activities.go's CLI
// wait loop).
package temporalflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/congressops/planloom/internal/events"
	"github.com/congressops/planloom/internal/graph"
	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/montecarlo"
)

const TaskQueue = "planloom-task-queue"

// Activities holds the process-local collaborators Temporal activity
// methods dispatch to. Activity arguments must round-trip through
// Temporal's JSON data converter, so activities take plain values (ids,
// tasks, dependencies) rather than the live graph or repository handles.
type Activities struct {
	Events *events.Service
}

// IngestResult is what IngestEventActivity hands back to the workflow.
type IngestResult struct {
	Event   model.ExternalEvent
	Actions []model.ProposedAction
}

// IngestEventActivity persists event and derives its proposed actions.
func (a *Activities) IngestEventActivity(ctx context.Context, event model.ExternalEvent) (IngestResult, error) {
	savedEvent, actions, err := a.Events.Ingest(ctx, event)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Event: savedEvent, Actions: actions}, nil
}

// ApproveActionActivity approves a proposed action and applies its mutation.
func (a *Activities) ApproveActionActivity(ctx context.Context, planID string, actionID int64, decider string) (model.ProposedAction, error) {
	return a.Events.Approve(ctx, decider, planID, actionID)
}

// RejectActionActivity rejects a proposed action without mutating its task.
func (a *Activities) RejectActionActivity(ctx context.Context, planID string, actionID int64, decider string) (model.ProposedAction, error) {
	return a.Events.Reject(ctx, decider, planID, actionID)
}

// MonteCarloActivityInput is the serializable form of a simulation request
// (a *graph.Graph doesn't survive the data converter, so the activity
// rebuilds it from tasks/dependencies).
type MonteCarloActivityInput struct {
	PlanID       string
	Tasks        []model.Task
	Dependencies []model.Dependency
	Params       montecarlo.Params
}

// RunMonteCarloActivity runs a C4 simulation, heartbeating every five
// seconds so a long N=100,000+ run doesn't trip Temporal's heartbeat
// timeout — the same wait-loop-plus-ticker shape as the teacher's
// runAgent CLI activity.
func (a *Activities) RunMonteCarloActivity(ctx context.Context, in MonteCarloActivityInput) (montecarlo.Result, error) {
	g, err := graph.Build(in.PlanID, in.Tasks, in.Dependencies)
	if err != nil {
		return montecarlo.Result{}, err
	}

	type outcome struct {
		result montecarlo.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := montecarlo.Run(ctx, g, in.Params)
		done <- outcome{result: result, err: err}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-ticker.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}

// ExternalEventWorkflowRequest starts the workflow for one ingested event.
type ExternalEventWorkflowRequest struct {
	PlanID string
	Event  model.ExternalEvent
}

// ExternalEventWorkflowResult is the terminal state once every derived
// action has been decided.
type ExternalEventWorkflowResult struct {
	Event     model.ExternalEvent
	Decisions []model.ProposedAction
}

// ApproveSignalName and RejectSignalName build the per-action signal names
// a caller sends to resolve one derived proposed action.
func ApproveSignalName(actionID int64) string { return fmt.Sprintf("approve:%d", actionID) }
func RejectSignalName(actionID int64) string  { return fmt.Sprintf("reject:%d", actionID) }

// ApprovalSignal carries who made the decision.
type ApprovalSignal struct {
	Decider string
}

// ExternalEventWorkflow ingests req.Event, then waits for an
// approve/reject signal per derived proposed action before applying its
// decision — one signal-gated step per action, the same pattern as the
// teacher's sequential-question loop in PlanningCeremonyWorkflow (spec
// §4.9: events don't resolve until a human decides each action).
func ExternalEventWorkflow(ctx workflow.Context, req ExternalEventWorkflowRequest) (ExternalEventWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities

	var ingested IngestResult
	if err := workflow.ExecuteActivity(ctx, a.IngestEventActivity, req.Event).Get(ctx, &ingested); err != nil {
		return ExternalEventWorkflowResult{}, fmt.Errorf("ingest failed: %w", err)
	}

	logger.Info("event ingested", "EventID", ingested.Event.ID, "DerivedActions", len(ingested.Actions))

	if len(ingested.Actions) == 0 {
		return ExternalEventWorkflowResult{Event: ingested.Event}, nil
	}

	decisions := make([]model.ProposedAction, 0, len(ingested.Actions))
	for _, action := range ingested.Actions {
		approveChan := workflow.GetSignalChannel(ctx, ApproveSignalName(action.ID))
		rejectChan := workflow.GetSignalChannel(ctx, RejectSignalName(action.ID))

		var signal ApprovalSignal
		approved := false

		selector := workflow.NewSelector(ctx)
		selector.AddReceive(approveChan, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &signal)
			approved = true
		})
		selector.AddReceive(rejectChan, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &signal)
			approved = false
		})
		logger.Info("awaiting decision", "ActionID", action.ID, "ActionType", action.ActionType)
		selector.Select(ctx)

		var decided model.ProposedAction
		var err error
		if approved {
			err = workflow.ExecuteActivity(ctx, a.ApproveActionActivity, req.PlanID, action.ID, signal.Decider).Get(ctx, &decided)
		} else {
			err = workflow.ExecuteActivity(ctx, a.RejectActionActivity, req.PlanID, action.ID, signal.Decider).Get(ctx, &decided)
		}
		if err != nil {
			return ExternalEventWorkflowResult{}, fmt.Errorf("deciding action %d failed: %w", action.ID, err)
		}
		decisions = append(decisions, decided)
	}

	return ExternalEventWorkflowResult{Event: ingested.Event, Decisions: decisions}, nil
}

// StartWorker connects to Temporal and serves planloom's workflows and
// activities on TaskQueue until interrupted.
func StartWorker(hostPort string, acts *Activities) error {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})

	w.RegisterWorkflow(ExternalEventWorkflow)
	w.RegisterActivity(acts.IngestEventActivity)
	w.RegisterActivity(acts.ApproveActionActivity)
	w.RegisterActivity(acts.RejectActionActivity)
	w.RegisterActivity(acts.RunMonteCarloActivity)

	return w.Run(worker.InterruptCh())
}
