// Package dispatch implements the TaskDispatcher: validates a
// wakeup/command request against the ConfigStore, creates a Task
// record, and fans the work out to WOLSender, ShellProcess, or
// HTTPClientProcess.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/exec"
	"github.com/freitascorp/concierge/pkg/task"
	"github.com/freitascorp/concierge/pkg/taskstore"
	"github.com/freitascorp/concierge/pkg/wol"
)

// PlanRunner is the narrow interface the dispatcher needs to hand off an
// execution_plan pseudo-command. Implemented by pkg/plan.Scheduler; kept
// here (rather than importing pkg/plan) so dispatch <-> plan have no
// import cycle; plan.Scheduler separately depends on dispatch.Dispatcher
// through its own CommandRunner interface (see pkg/plan).
type PlanRunner interface {
	// RunPlan starts planName as a background activity against the
	// given parent task and returns immediately; plans are
	// fire-and-forget from the caller's perspective.
	RunPlan(ctx context.Context, parentTask *task.Task, planName string)
}

// Dispatcher is the TaskDispatcher.
type Dispatcher struct {
	cfg      *config.Store
	store    *taskstore.Store
	registry *exec.Registry
	sink     exec.StreamSink
	wol      wol.Sender
	logger   *slog.Logger

	planRunner PlanRunner

	taskMu sync.Mutex // serializes in-place Task mutation + store writes
}

// New constructs a Dispatcher. sink may be nil (no WebSocket streaming).
func New(cfg *config.Store, store *taskstore.Store, registry *exec.Registry, sink exec.StreamSink, logger *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = exec.NullSink{}
	}
	return &Dispatcher{cfg: cfg, store: store, registry: registry, sink: sink, logger: logger}
}

// SetPlanRunner wires the PlanScheduler in after construction, breaking
// the natural dispatch<->plan initialization cycle.
func (d *Dispatcher) SetPlanRunner(r PlanRunner) { d.planRunner = r }

// hostValidation is the per-host outcome of validating a request before
// any Task is created.
type hostValidation struct {
	hostname string
	err      *concierr.Error
}

// Wakeup validates hosts and dispatches a WOL magic packet to each.
func (d *Dispatcher) Wakeup(ctx context.Context, hosts []string) (*task.Task, int) {
	validations := make([]hostValidation, len(hosts))
	for i, h := range hosts {
		validations[i] = d.validateWakeupHost(h)
	}

	if rejectTask, status, ok := decideRejection(validations); ok {
		return rejectTask, status
	}

	t := task.NewTask(nil, hosts)
	if err := d.store.Set(t.TaskID, t); err != nil {
		d.logger.Error("failed to persist new task", "error", err)
	}

	var wg sync.WaitGroup
	for _, h := range hosts {
		host, _ := d.cfg.Host(h)
		wg.Add(1)
		go func(host config.Host) {
			defer wg.Done()
			err := d.wol.Send(ctx, host.MAC)
			if err != nil {
				d.finishHost(t.TaskID, exec.Outcome{Hostname: host.Hostname, Error: &task.ErrorEntry{
					Hostname: host.Hostname, Error: err.Error(),
				}})
			} else {
				d.finishHost(t.TaskID, exec.Outcome{Hostname: host.Hostname, Success: &task.SuccessEntry{
					Hostname: host.Hostname,
				}})
			}
		}(host)
	}
	wg.Wait()

	return d.respond(t.TaskID)
}

func (d *Dispatcher) validateWakeupHost(hostname string) hostValidation {
	host, ok := d.cfg.Host(hostname)
	if !ok {
		return hostValidation{hostname, concierr.NewHost(concierr.KindHostNotAllowed, hostname, "Host not allowed")}
	}
	if host.MAC == "" {
		return hostValidation{hostname, concierr.NewHost(concierr.KindMACNotConfigured, hostname, "MAC not configured")}
	}
	return hostValidation{hostname, nil}
}

// Command validates hosts against commandName and dispatches the
// matching executor per host. For an
// execution_plan pseudo-command the whole dispatch is handed to the
// PlanRunner instead of a per-host executor.
func (d *Dispatcher) Command(ctx context.Context, commandName string, hosts []string, params map[string]any) (*task.Task, int) {
	return d.CommandAs(ctx, task.NewTaskID(), commandName, hosts, params)
}

// CommandAs is Command with an explicit task id, used by the
// PlanScheduler to build sub-task ids of the form "<parent>::task<idx>".
func (d *Dispatcher) CommandAs(ctx context.Context, taskID, commandName string, hosts []string, params map[string]any) (*task.Task, int) {
	cmd, cmdOK := d.cfg.Command(commandName)
	if cmdOK && cmd.Type == config.CommandExecutionPlan {
		return d.runPlanCommand(ctx, commandName, hosts)
	}

	validations := make([]hostValidation, len(hosts))
	for i, h := range hosts {
		validations[i] = d.validateCommandHost(h, commandName)
	}

	if rejectTask, status, ok := decideRejection(validations); ok {
		return rejectTask, status
	}

	name := commandName
	t := task.NewTaskWithID(taskID, &name, hosts)
	if err := d.store.Set(t.TaskID, t); err != nil {
		d.logger.Error("failed to persist new task", "error", err)
	}

	d.fanOutCommand(ctx, t, hosts, commandName, params)

	return d.respond(t.TaskID)
}

func (d *Dispatcher) runPlanCommand(ctx context.Context, planName string, hosts []string) (*task.Task, int) {
	_ = hosts // execution plans target hosts per plan-task, not at the top level
	name := planName
	t := task.NewTask(&name, nil)
	t.ExecutionPlan = planName
	if plan, ok := d.cfg.Plan(planName); ok {
		t.PlanTasks = make([]task.PlanTaskState, len(plan.Tasks))
		for i := range t.PlanTasks {
			t.PlanTasks[i] = task.PlanTaskScheduled
		}
	}
	if err := d.store.Set(t.TaskID, t); err != nil {
		d.logger.Error("failed to persist new plan task", "error", err)
	}
	if d.planRunner != nil {
		d.planRunner.RunPlan(ctx, t, planName)
	}
	return t, 200
}

func (d *Dispatcher) validateCommandHost(hostname, commandName string) hostValidation {
	_, ok := d.cfg.Host(hostname)
	if !ok {
		return hostValidation{hostname, concierr.NewHost(concierr.KindHostNotAllowed, hostname, "Host not allowed")}
	}
	cmds := d.cfg.CommandsFor(hostname)
	for _, c := range cmds {
		if c.Name == commandName {
			if c.Type != config.CommandShell && c.Type != config.CommandHTTP {
				return hostValidation{hostname, concierr.NewHost(concierr.KindInvalidCommandDef, hostname, "Invalid command definition")}
			}
			return hostValidation{hostname, nil}
		}
	}
	return hostValidation{hostname, concierr.NewHost(concierr.KindCommandNotAllowed, hostname, "Command not allowed")}
}

// decideRejection applies the hard-rejection rule: if every host failed with an
// allow-listed error, the whole request is rejected with 403 before any
// Task is created. Otherwise, if any host failed validation at all, the
// request is rejected with 500 carrying the full error list. Returns
// ok=false when validation passed for every host and dispatch should
// proceed.
func decideRejection(validations []hostValidation) (*task.Task, int, bool) {
	var errs []hostValidation
	for _, v := range validations {
		if v.err != nil {
			errs = append(errs, v)
		}
	}
	if len(errs) == 0 {
		return nil, 0, false
	}

	allAllowListed := len(errs) == len(validations)
	for _, v := range errs {
		if !v.err.Kind.AllowListed() {
			allAllowListed = false
			break
		}
	}

	entries := make([]task.ErrorEntry, len(errs))
	for i, v := range errs {
		entries[i] = task.ErrorEntry{Hostname: v.hostname, Error: v.err.Message}
	}
	t := &task.Task{Errors: entries}

	if allAllowListed {
		return t, 403, true
	}
	return t, 500, true
}

func (d *Dispatcher) fanOutCommand(ctx context.Context, t *task.Task, hosts []string, commandName string, params map[string]any) {
	syncGroup, gctx := errgroup.WithContext(ctx)

	for _, hostname := range hosts {
		hostname := hostname
		cmd, _ := d.cfg.Command(commandName)
		// Re-resolve per-host to honor first-definer semantics while
		// still validating the host actually carries this command.
		for _, c := range d.cfg.CommandsFor(hostname) {
			if c.Name == commandName {
				cmd = c
				break
			}
		}

		if cmd.Timeout.IsSync() {
			syncGroup.Go(func() error {
				d.runOneHost(gctx, t.TaskID, hostname, cmd, params, cmd.Timeout.Value)
				return nil
			})
		} else {
			go d.runOneHostAsync(t.TaskID, hostname, cmd, params, cmd.Timeout.Value)
		}
	}

	syncGroup.Wait()
}

// runOneHost executes a sync-timeout command and blocks until it
// finishes updating the Task in place. A sync timeout of 0 means
// "wait forever".
func (d *Dispatcher) runOneHost(ctx context.Context, taskID, hostname string, cmd config.Command, params map[string]any, timeoutSeconds int) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}
	out := d.execute(runCtx, taskID, hostname, cmd, params)
	d.finishHost(taskID, out)
}

// runOneHostAsync executes an async-timeout command in its own
// goroutine, detached from the request's response. -1 means unbounded;
// 0 means a context that expires immediately.
func (d *Dispatcher) runOneHostAsync(taskID, hostname string, cmd config.Command, params map[string]any, timeoutSeconds int) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeoutSeconds >= 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}
	out := d.execute(ctx, taskID, hostname, cmd, params)
	d.finishHost(taskID, out)
}

func (d *Dispatcher) execute(ctx context.Context, taskID, hostname string, cmd config.Command, params map[string]any) exec.Outcome {
	key := exec.Key{TaskID: taskID, Hostname: hostname}
	switch cmd.Type {
	case config.CommandShell:
		proc := exec.NewShellProcess(key, *cmd.Shell, params, d.sink, d.logger)
		d.registry.Register(key, proc)
		defer d.registry.Unregister(key, proc)
		return proc.Run(ctx)
	case config.CommandHTTP:
		proc := exec.NewHTTPClientProcess(hostname, *cmd.HTTP, params)
		d.registry.Register(key, proc)
		defer d.registry.Unregister(key, proc)
		return proc.Run(ctx)
	default:
		return exec.Outcome{Hostname: hostname, Error: &task.ErrorEntry{
			Hostname: hostname,
			Error:    concierr.NewHost(concierr.KindInvalidCommandDef, hostname, fmt.Sprintf("unsupported command type %q", cmd.Type)).Message,
		}}
	}
}

// finishHost atomically applies an Outcome to the stored Task.
func (d *Dispatcher) finishHost(taskID string, out exec.Outcome) {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()

	var t task.Task
	ok, err := d.store.Get(taskID, &t)
	if err != nil || !ok {
		d.logger.Error("finishHost: task vanished", "task_id", taskID, "error", err)
		return
	}

	if out.Success != nil {
		t.MoveToSuccess(*out.Success)
	} else if out.Error != nil {
		t.MoveToError(*out.Error)
	}

	if err := d.store.Set(taskID, &t); err != nil {
		d.logger.Error("finishHost: failed to persist task", "error", err)
	}
	// Tag after the write: Set on an existing key clears any tag,
	// so tagging first would be undone immediately.
	if t.EndTimestamp != nil {
		d.store.TagForRemoval(taskID)
	}
}

// respond re-reads the task and derives the response status code: 200
// if no errors recorded yet, 400 otherwise. This is the post-dispatch
// view, kept for API compatibility even though async hosts may still
// be running when the response is written.
func (d *Dispatcher) respond(taskID string) (*task.Task, int) {
	var t task.Task
	ok, err := d.store.Get(taskID, &t)
	if err != nil || !ok {
		return nil, 500
	}
	if t.HasErrors() {
		return &t, 400
	}
	return &t, 200
}

// Abort stops every process associated with taskID.
func (d *Dispatcher) Abort(taskID string) {
	d.registry.AbortAll(taskID)
}

// Task returns the current snapshot of a task, or ok=false if unknown.
func (d *Dispatcher) Task(taskID string) (*task.Task, bool) {
	var t task.Task
	ok, err := d.store.Get(taskID, &t)
	if err != nil || !ok {
		return nil, false
	}
	return &t, true
}

// MutateTask applies fn to the current stored Task under the same lock
// finishHost uses, so the PlanScheduler's parent-task progress updates
// never race a concurrent per-host completion. Tags the
// task for removal if fn leaves it closed.
func (d *Dispatcher) MutateTask(taskID string, fn func(*task.Task)) error {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()

	var t task.Task
	ok, err := d.store.Get(taskID, &t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	fn(&t)

	if err := d.store.Set(taskID, &t); err != nil {
		return err
	}
	if t.EndTimestamp != nil {
		d.store.TagForRemoval(taskID)
	}
	return nil
}
