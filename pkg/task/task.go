// Package task defines the runtime Task record and its lifecycle
// invariants. A Task is owned by the taskstore
// PersistentOrderedMap; this package only holds the data shape and the
// pure transitions over it.
package task

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// HostRef names a host participating in a task outcome bucket.
type HostRef struct {
	Hostname string `json:"hostname"`
}

// SuccessEntry records a successful per-host outcome.
type SuccessEntry struct {
	Hostname     string `json:"hostname"`
	Output       string `json:"output,omitempty"`
	ResponseCode int    `json:"response_code,omitempty"`
}

// ErrorEntry records a failed per-host outcome. Hostname is optional;
// request-level validation errors may not resolve to a single host.
type ErrorEntry struct {
	Hostname     string `json:"hostname,omitempty"`
	Error        string `json:"error"`
	Output       string `json:"output,omitempty"`
	ResponseCode int    `json:"response_code,omitempty"`
}

// PlanTaskState is the per-PlanTask state machine:
// scheduled -> (skipped | waiting -> completed). No back-transitions.
type PlanTaskState string

const (
	PlanTaskScheduled PlanTaskState = "scheduled"
	PlanTaskSkipped   PlanTaskState = "skipped"
	PlanTaskWaiting   PlanTaskState = "waiting"
	PlanTaskCompleted PlanTaskState = "completed"
)

// Task is the durable record of one dispatched action across one or more
// hosts. JSON field names are part of the wire contract.
type Task struct {
	TaskID          string          `json:"task_id"`
	StartTimestamp  int64           `json:"start_timestamp"`
	EndTimestamp    *int64          `json:"end_timestamp,omitempty"`
	Command         *string         `json:"command"`
	ExecutionPlan   string          `json:"execution_plan,omitempty"`
	PlanTasks       []PlanTaskState `json:"plan_tasks,omitempty"`
	Success         []SuccessEntry  `json:"success"`
	Running         []HostRef       `json:"running"`
	Errors          []ErrorEntry    `json:"errors"`
}

// NewTaskID returns a fresh UUIDv4 task identifier.
func NewTaskID() string {
	return uuid.New().String()
}

// NewTask allocates a Task with running pre-populated from hosts.
func NewTask(command *string, hosts []string) *Task {
	running := make([]HostRef, 0, len(hosts))
	for _, h := range hosts {
		running = append(running, HostRef{Hostname: h})
	}
	return &Task{
		TaskID:         NewTaskID(),
		StartTimestamp: nowMillis(),
		Command:        command,
		Success:        []SuccessEntry{},
		Running:        running,
		Errors:         []ErrorEntry{},
	}
}

// NewTaskWithID is NewTask with an explicit task id, used by the plan
// scheduler to build deterministic sub-task ids.
func NewTaskWithID(id string, command *string, hosts []string) *Task {
	t := NewTask(command, hosts)
	t.TaskID = id
	return t
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// MoveToSuccess removes hostname from Running and appends a success
// entry, closing out the task if Running becomes empty.
func (t *Task) MoveToSuccess(entry SuccessEntry) {
	t.removeRunning(entry.Hostname)
	t.Success = append(t.Success, entry)
	t.maybeClose()
}

// MoveToError removes hostname (if present) from Running and appends an
// error entry, closing out the task if Running becomes empty.
func (t *Task) MoveToError(entry ErrorEntry) {
	if entry.Hostname != "" {
		t.removeRunning(entry.Hostname)
	}
	t.Errors = append(t.Errors, entry)
	t.maybeClose()
}

func (t *Task) removeRunning(hostname string) {
	out := t.Running[:0]
	for _, r := range t.Running {
		if r.Hostname != hostname {
			out = append(out, r)
		}
	}
	t.Running = out
}

func (t *Task) maybeClose() {
	if len(t.Running) == 0 && t.EndTimestamp == nil {
		now := nowMillis()
		t.EndTimestamp = &now
	}
}

// HasErrors reports whether the task recorded any per-host error.
func (t *Task) HasErrors() bool {
	return len(t.Errors) > 0
}

// SetPlanProgress replaces Running with the single synthetic progress
// entry used by the plan scheduler.
func (t *Task) SetPlanProgress(done, total int) {
	t.Running = []HostRef{{Hostname: planProgressLabel(done, total)}}
}

func planProgressLabel(done, total int) string {
	return "Plan progress: " + strconv.Itoa(done) + "/" + strconv.Itoa(total)
}

// FinishPlanProgress clears the synthetic running entry and stamps
// EndTimestamp if it is not already set. It does not inspect
// PlanTasks: the plan scheduler calls it when its interpreter loop
// ends, and any plan task the loop never reached keeps its state.
func (t *Task) FinishPlanProgress() {
	t.Running = nil
	t.maybeClose()
}
