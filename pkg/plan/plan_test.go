package plan

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/task"
	"github.com/stretchr/testify/require"
)

// fakeRunner is an in-memory CommandRunner that completes every
// dispatched sub-task instantly, recording which commands ran in order.
type fakeRunner struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	calls []string
	// fail marks command names that should record an error instead of a
	// success outcome.
	fail map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{tasks: map[string]*task.Task{}, fail: map[string]bool{}}
}

func (f *fakeRunner) CommandAs(ctx context.Context, taskID, commandName string, hosts []string, params map[string]any) (*task.Task, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandName)

	t := task.NewTaskWithID(taskID, &commandName, nil)
	if f.fail[commandName] {
		for _, h := range hosts {
			t.MoveToError(task.ErrorEntry{Hostname: h, Error: "boom", Output: "boom output"})
		}
	} else {
		for _, h := range hosts {
			t.MoveToSuccess(task.SuccessEntry{Hostname: h, Output: "ok output"})
		}
	}
	f.tasks[taskID] = t
	return t, 200
}

func (f *fakeRunner) Task(taskID string) (*task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	return t, ok
}

func (f *fakeRunner) MutateTask(taskID string, fn func(*task.Task)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil
	}
	fn(t)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunPlanSequentialOrder(t *testing.T) {
	cfgStore, err := config.Load([]byte(`{"hosts":[{"hostname":"h1","commands":[
		{"name":"step1","type":"shell","command":"true","timeout":1},
		{"name":"step2","type":"shell","command":"true","timeout":1}
	]}]}`), testLogger())
	require.NoError(t, err)

	runner := newFakeRunner()
	s := New(cfgStore, runner, testLogger())

	plan := config.ExecutionPlan{
		Name: "seq",
		Tasks: []config.PlanTask{
			{Command: "step1", Hostnames: []string{"h1"}},
			{Command: "step2", Hostnames: []string{"h1"}},
		},
	}

	parent := task.NewTask(nil, nil)
	parent.PlanTasks = []task.PlanTaskState{task.PlanTaskScheduled, task.PlanTaskScheduled}
	runner.tasks[parent.TaskID] = parent

	s.runPlan(context.Background(), parent.TaskID, plan, true)

	require.Equal(t, []string{"step1", "step2"}, runner.calls)
	require.Equal(t, task.PlanTaskCompleted, parent.PlanTasks[0])
	require.Equal(t, task.PlanTaskCompleted, parent.PlanTasks[1])
}

func TestRunPlanSkipsOnFailedCondition(t *testing.T) {
	cfgStore, err := config.Load([]byte(`{"hosts":[{"hostname":"h1","commands":[
		{"name":"step1","type":"shell","command":"true","timeout":1},
		{"name":"step2","type":"shell","command":"true","timeout":1}
	]}]}`), testLogger())
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.fail["step1"] = true
	s := New(cfgStore, runner, testLogger())

	idx0 := 0
	plan := config.ExecutionPlan{
		Name: "cond",
		Tasks: []config.PlanTask{
			{Command: "step1", Hostnames: []string{"h1"}},
			{Command: "step2", Hostnames: []string{"h1"}, IfPreviousCommand: &idx0, IfPreviousCommandResult: "all_success"},
		},
	}

	parent := task.NewTask(nil, nil)
	parent.PlanTasks = []task.PlanTaskState{task.PlanTaskScheduled, task.PlanTaskScheduled}
	runner.tasks[parent.TaskID] = parent

	s.runPlan(context.Background(), parent.TaskID, plan, true)

	require.Equal(t, []string{"step1"}, runner.calls)
	require.Equal(t, task.PlanTaskCompleted, parent.PlanTasks[0])
	require.Equal(t, task.PlanTaskSkipped, parent.PlanTasks[1])
}

func TestRunPlanJumpsOnError(t *testing.T) {
	cfgStore, err := config.Load([]byte(`{"hosts":[{"hostname":"h1","commands":[
		{"name":"step1","type":"shell","command":"true","timeout":1},
		{"name":"step2","type":"shell","command":"true","timeout":1},
		{"name":"recover","type":"shell","command":"true","timeout":1}
	]}]}`), testLogger())
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.fail["step1"] = true
	s := New(cfgStore, runner, testLogger())

	jumpTo := 2
	plan := config.ExecutionPlan{
		Name: "branch",
		Tasks: []config.PlanTask{
			{Command: "step1", Hostnames: []string{"h1"}, OnErrorJumpTo: &jumpTo},
			{Command: "step2", Hostnames: []string{"h1"}},
			{Command: "recover", Hostnames: []string{"h1"}},
		},
	}

	parent := task.NewTask(nil, nil)
	parent.PlanTasks = []task.PlanTaskState{task.PlanTaskScheduled, task.PlanTaskScheduled, task.PlanTaskScheduled}
	runner.tasks[parent.TaskID] = parent

	s.runPlan(context.Background(), parent.TaskID, plan, true)

	require.Equal(t, []string{"step1", "recover"}, runner.calls)
}

func TestRunPlanReferencedSubPlan(t *testing.T) {
	cfgStore, err := config.Load([]byte(`{
		"hosts":[{"hostname":"h1","commands":[
			{"name":"child","type":"shell","command":"true","timeout":1},
			{"name":"parent_step","type":"shell","command":"true","timeout":1}
		]}],
		"execution_plans":[
			{"name":"child_plan","tasks":[{"command":"child","hostnames":["h1"]}]}
		]
	}`), testLogger())
	require.NoError(t, err)

	runner := newFakeRunner()
	s := New(cfgStore, runner, testLogger())

	plan := config.ExecutionPlan{
		Name:            "top",
		ReferencedPlans: []string{"child_plan"},
		Tasks: []config.PlanTask{
			{Command: "parent_step", Hostnames: []string{"h1"}},
		},
	}

	parent := task.NewTask(nil, nil)
	parent.PlanTasks = []task.PlanTaskState{task.PlanTaskScheduled}
	runner.tasks[parent.TaskID] = parent

	s.runPlan(context.Background(), parent.TaskID, plan, true)

	require.Equal(t, []string{"child", "parent_step"}, runner.calls)
}

func TestRunPlanAsyncFinishesParent(t *testing.T) {
	cfgStore, err := config.Load([]byte(`{"hosts":[{"hostname":"h1","commands":[
		{"name":"only","type":"shell","command":"true","timeout":1}
	]}]}`), testLogger())
	require.NoError(t, err)

	runner := newFakeRunner()
	s := New(cfgStore, runner, testLogger())

	plan, ok := cfgStore.Plan("missing")
	require.False(t, ok)
	_ = plan

	parentTask := task.NewTask(nil, nil)
	parentTask.PlanTasks = []task.PlanTaskState{task.PlanTaskScheduled}
	runner.tasks[parentTask.TaskID] = parentTask

	s.RunPlan(context.Background(), parentTask, "missing")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		runner.mu.Lock()
		done := parentTask.EndTimestamp != nil
		runner.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, parentTask.EndTimestamp)
}
