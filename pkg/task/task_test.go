package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTaskPopulatesRunning(t *testing.T) {
	cmd := "ping"
	tk := NewTask(&cmd, []string{"a", "b"})

	require.NotEmpty(t, tk.TaskID)
	require.Len(t, tk.Running, 2)
	require.Empty(t, tk.Success)
	require.Empty(t, tk.Errors)
	require.Nil(t, tk.EndTimestamp)
}

func TestNewTaskWithIDUsesGivenID(t *testing.T) {
	tk := NewTaskWithID("plan1::task0", nil, []string{"a"})
	require.Equal(t, "plan1::task0", tk.TaskID)
}

func TestMoveToSuccessClosesTaskWhenRunningEmpty(t *testing.T) {
	cmd := "ping"
	tk := NewTask(&cmd, []string{"a"})

	tk.MoveToSuccess(SuccessEntry{Hostname: "a", Output: "ok"})

	require.Empty(t, tk.Running)
	require.Len(t, tk.Success, 1)
	require.NotNil(t, tk.EndTimestamp)
	require.False(t, tk.HasErrors())
}

func TestMoveToErrorLeavesTaskOpenUntilAllHostsResolve(t *testing.T) {
	cmd := "ping"
	tk := NewTask(&cmd, []string{"a", "b"})

	tk.MoveToError(ErrorEntry{Hostname: "a", Error: "boom"})
	require.Nil(t, tk.EndTimestamp, "task must stay open while b is still running")
	require.Len(t, tk.Running, 1)

	tk.MoveToSuccess(SuccessEntry{Hostname: "b"})
	require.NotNil(t, tk.EndTimestamp)
	require.True(t, tk.HasErrors())
}

func TestMoveToErrorWithoutHostnameDoesNotTouchRunning(t *testing.T) {
	cmd := "ping"
	tk := NewTask(&cmd, []string{"a"})

	// Request-level validation errors carry no hostname and
	// must not remove an in-flight host from Running.
	tk.MoveToError(ErrorEntry{Error: "bad request"})
	require.Len(t, tk.Running, 1)
	require.Len(t, tk.Errors, 1)
}

func TestPlanProgressLifecycle(t *testing.T) {
	tk := NewTaskWithID("plan1", nil, nil)

	tk.SetPlanProgress(1, 3)
	require.Len(t, tk.Running, 1)
	require.Equal(t, "Plan progress: 1/3", tk.Running[0].Hostname)
	require.Nil(t, tk.EndTimestamp)

	tk.FinishPlanProgress()
	require.Empty(t, tk.Running)
	require.NotNil(t, tk.EndTimestamp)
}
