// Package plan implements the PlanScheduler: compiles an
// ExecutionPlan into a flat execution sequence of referenced sub-plans
// and plan tasks, then interprets it against a single parent Task,
// honoring conditions, execute_after barriers, and success/error jumps.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/task"
)

const (
	subtaskPollInterval = 500 * time.Millisecond
	subtaskMaxWait      = 300 * time.Second
)

// CommandRunner is the narrow slice of the TaskDispatcher the scheduler
// needs: dispatch a sub-task under an explicit id, read it back, and
// mutate the parent Task under the dispatcher's own lock. Defined here
// (rather than importing pkg/dispatch's concrete type) only to document
// intent; dispatch.Dispatcher already satisfies this exactly.
type CommandRunner interface {
	CommandAs(ctx context.Context, taskID, commandName string, hosts []string, params map[string]any) (*task.Task, int)
	Task(taskID string) (*task.Task, bool)
	MutateTask(taskID string, fn func(*task.Task)) error
}

// Scheduler is the PlanScheduler.
type Scheduler struct {
	cfg    *config.Store
	runner CommandRunner
	logger *slog.Logger
}

// New constructs a Scheduler.
func New(cfg *config.Store, runner CommandRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, runner: runner, logger: logger}
}

// RunPlan starts planName as a background activity against parentTask
// and returns immediately; plans are fire-and-forget from the HTTP
// caller's perspective. Implements dispatch.PlanRunner.
func (s *Scheduler) RunPlan(ctx context.Context, parentTask *task.Task, planName string) {
	go func() {
		// Plans run detached from the request's context so they aren't
		// cancelled merely because the HTTP handler returned.
		runCtx := context.Background()
		plan, ok := s.cfg.Plan(planName)
		if !ok {
			s.logger.Error("plan not found at execution time", "plan", planName)
			s.finishParent(parentTask.TaskID)
			return
		}
		s.runPlan(runCtx, parentTask.TaskID, plan, true)
		s.finishParent(parentTask.TaskID)
	}()
}

func (s *Scheduler) finishParent(parentTaskID string) {
	s.runner.MutateTask(parentTaskID, func(t *task.Task) {
		t.FinishPlanProgress()
	})
}

// itemKind discriminates a compiled sequence item.
type itemKind int

const (
	itemSubPlan itemKind = iota
	itemTask
)

type sequenceItem struct {
	kind        itemKind
	subPlanName string
	taskIndex   int // valid when kind == itemTask
	position    int
}

// compileSequence builds the execution sequence: referenced plans
// followed by tasks in declaration order, unless any task sets
// execute_at_position, in which case every item is assigned a position
// (tasks default to their own field; referenced plans default to 0)
// and the whole sequence is stably sorted by position.
func compileSequence(plan config.ExecutionPlan) []sequenceItem {
	positioned := false
	for _, t := range plan.Tasks {
		if t.ExecuteAtPosition != nil {
			positioned = true
			break
		}
	}

	items := make([]sequenceItem, 0, len(plan.ReferencedPlans)+len(plan.Tasks))
	for _, name := range plan.ReferencedPlans {
		items = append(items, sequenceItem{kind: itemSubPlan, subPlanName: name})
	}
	for i, t := range plan.Tasks {
		pos := 0
		if t.ExecuteAtPosition != nil {
			pos = *t.ExecuteAtPosition
		}
		items = append(items, sequenceItem{kind: itemTask, taskIndex: i, position: pos})
	}

	if positioned {
		stableSortByPosition(items)
	}
	return items
}

// stableSortByPosition is a small insertion sort: the sequences here
// are short (single-digit to low-dozens of items) and stability matters
// more than asymptotic speed.
func stableSortByPosition(items []sequenceItem) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].position > items[j].position {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}

// waitForResult blocks until idx has a result entry, bounded so a jump
// that skips idx entirely (it will never run) can't hang the plan
// forever.
func waitForResult(results map[int]*task.Task, idx int) {
	deadline := time.Now().Add(subtaskMaxWait)
	for {
		if _, ok := results[idx]; ok {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(subtaskPollInterval)
	}
}

func positionOfTaskIndex(items []sequenceItem, taskIndex int) (int, bool) {
	for pos, item := range items {
		if item.kind == itemTask && item.taskIndex == taskIndex {
			return pos, true
		}
	}
	return 0, false
}

// runPlan interprets one compiled plan body against parentTaskID. track
// is true only for the top-level plan invocation; referenced sub-plans
// run their own tasks without updating the parent's PlanTasks/progress
// bookkeeping, since that array is sized to the top-level plan only.
func (s *Scheduler) runPlan(ctx context.Context, parentTaskID string, plan config.ExecutionPlan, track bool) {
	items := compileSequence(plan)
	results := make(map[int]*task.Task)

	i := 0
	for i < len(items) {
		item := items[i]

		if item.kind == itemSubPlan {
			if sub, ok := s.cfg.Plan(item.subPlanName); ok {
				s.runPlan(ctx, parentTaskID, sub, false)
			} else {
				s.logger.Error("referenced plan not found", "plan", item.subPlanName)
			}
			i++
			continue
		}

		idx := item.taskIndex
		pt := plan.Tasks[idx]

		if track {
			s.setState(parentTaskID, idx, task.PlanTaskScheduled)
		}

		if pt.IfPreviousCommand != nil {
			prev, ok := results[*pt.IfPreviousCommand]
			if !ok || !conditionSatisfied(pt, prev) {
				if track {
					s.setState(parentTaskID, idx, task.PlanTaskSkipped)
				}
				i++
				continue
			}
		}

		if pt.ExecuteAfter != nil {
			// Normally a no-op: the interpreter is single-threaded and has
			// already executed every earlier sequence position. Matters
			// only when an on_success/on_error jump reordered execution so
			// that the referenced index hasn't run yet.
			waitForResult(results, *pt.ExecuteAfter)
		}

		if track {
			s.setState(parentTaskID, idx, task.PlanTaskWaiting)
		}

		subTaskID := fmt.Sprintf("%s::task%d", parentTaskID, idx)
		result := s.runSubTask(ctx, subTaskID, pt)
		results[idx] = result

		if track {
			s.setState(parentTaskID, idx, task.PlanTaskCompleted)
			s.updateProgress(parentTaskID, plan, results)
		}

		nextPos, jumped := decideJump(pt, result, items)
		if jumped {
			i = nextPos
			continue
		}
		i++
	}
}

// conditionSatisfied evaluates if_previous_command_result and
// if_previous_output_contains as total, pure predicates over the prior
// sub-task's result.
func conditionSatisfied(pt config.PlanTask, prev *task.Task) bool {
	if pt.IfPreviousCommandResult != "" {
		hasSuccess := len(prev.Success) > 0
		hasError := len(prev.Errors) > 0
		ok := false
		switch pt.IfPreviousCommandResult {
		case "all_success":
			ok = !hasError
		case "any_success":
			ok = hasSuccess
		case "all_error":
			ok = !hasSuccess
		case "any_error":
			ok = hasError
		}
		if !ok {
			return false
		}
	}
	if pt.IfPreviousOutputContains != "" {
		if !outputContains(prev, pt.IfPreviousOutputContains) {
			return false
		}
	}
	return true
}

func outputContains(prev *task.Task, substr string) bool {
	outputs := make([]string, 0, len(prev.Success)+len(prev.Errors))
	for _, e := range prev.Success {
		outputs = append(outputs, e.Output)
	}
	for _, e := range prev.Errors {
		outputs = append(outputs, e.Output)
	}
	return strings.Contains(strings.Join(outputs, "\n"), substr)
}

// runSubTask dispatches a plan task's sub-task and polls for its
// running set to empty, up to 300s. Exceeding the wait escalates to a
// PlanSubtaskTimeout error on the sub-task rather than giving up
// silently.
func (s *Scheduler) runSubTask(ctx context.Context, subTaskID string, pt config.PlanTask) *task.Task {
	result, _ := s.runner.CommandAs(ctx, subTaskID, pt.Command, pt.Hostnames, pt.Params)
	if result == nil {
		return &task.Task{TaskID: subTaskID, Errors: []task.ErrorEntry{{
			Error: concierr.New(concierr.KindInvalidCommandDef, "plan task produced no sub-task").Error(),
		}}}
	}

	deadline := time.Now().Add(subtaskMaxWait)
	for len(result.Running) > 0 {
		if time.Now().After(deadline) {
			timeoutErr := concierr.New(concierr.KindPlanSubtaskTimeout, "plan sub-task exceeded 300s wait")
			s.runner.MutateTask(subTaskID, func(t *task.Task) {
				// Snapshot first: MoveToError compacts t.Running in place.
				running := append([]task.HostRef(nil), t.Running...)
				for _, r := range running {
					t.MoveToError(task.ErrorEntry{Hostname: r.Hostname, Error: timeoutErr.Error()})
				}
			})
			if latest, ok := s.runner.Task(subTaskID); ok {
				return latest
			}
			return result
		}
		time.Sleep(subtaskPollInterval)
		latest, ok := s.runner.Task(subTaskID)
		if !ok {
			break
		}
		result = latest
	}
	return result
}

// decideJump resolves on_error/on_success branching. Jump targets name
// a declared PlanTask index, resolved to a position in the compiled
// sequence; an unresolved target ends the plan, signalled via a jump
// to len(items).
func decideJump(pt config.PlanTask, result *task.Task, items []sequenceItem) (int, bool) {
	hasSuccess := len(result.Success) > 0
	hasError := len(result.Errors) > 0

	if hasError && !hasSuccess && pt.OnErrorJumpTo != nil {
		if pos, ok := positionOfTaskIndex(items, *pt.OnErrorJumpTo); ok {
			return pos, true
		}
		return len(items), true
	}
	if hasSuccess && pt.OnSuccessJumpTo != nil {
		if pos, ok := positionOfTaskIndex(items, *pt.OnSuccessJumpTo); ok {
			return pos, true
		}
		return len(items), true
	}
	return 0, false
}

func (s *Scheduler) setState(parentTaskID string, idx int, state task.PlanTaskState) {
	s.runner.MutateTask(parentTaskID, func(t *task.Task) {
		if idx < len(t.PlanTasks) {
			t.PlanTasks[idx] = state
		}
	})
}

// updateProgress replaces the parent's Running with the synthetic
// "Plan progress: X/Y" entry.
func (s *Scheduler) updateProgress(parentTaskID string, plan config.ExecutionPlan, results map[int]*task.Task) {
	done := len(results)
	total := len(plan.Tasks)
	s.runner.MutateTask(parentTaskID, func(t *task.Task) {
		t.SetPlanProgress(done, total)
	})
}
