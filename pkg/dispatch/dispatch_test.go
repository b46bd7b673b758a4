package dispatch

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/exec"
	"github.com/freitascorp/concierge/pkg/taskstore"
)

const fixtureDoc = `{
  "hosts": [
    {
      "hostname": "box1",
      "commands": [
        {"name": "hello", "type": "shell", "command": "echo", "arguments": ["hi"], "timeout": 5},
        {"name": "fail", "type": "shell", "command": "false", "timeout": 5}
      ]
    },
    {"hostname": "nomac"}
  ]
}`

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, err := config.Load([]byte(fixtureDoc), slog.Default())
	require.NoError(t, err)

	ts := taskstore.OpenMemory(100)
	registry := exec.NewRegistry()
	return New(store, ts, registry, nil, slog.Default())
}

func TestWakeupRejectsUnknownHost(t *testing.T) {
	d := newTestDispatcher(t)
	tk, status := d.Wakeup(context.Background(), []string{"ghost"})
	require.Equal(t, 403, status)
	require.True(t, tk.HasErrors())
}

func TestWakeupRejectsHostWithoutMAC(t *testing.T) {
	d := newTestDispatcher(t)
	tk, status := d.Wakeup(context.Background(), []string{"nomac"})
	require.Equal(t, 403, status)
	require.Equal(t, "MAC not configured", tk.Errors[0].Error)
}

func TestCommandRejectsUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)
	tk, status := d.Command(context.Background(), "bogus", []string{"box1"}, nil)
	require.Equal(t, 403, status)
	require.Equal(t, "Command not allowed", tk.Errors[0].Error)
}

func TestCommandExecutesShellSuccessfully(t *testing.T) {
	d := newTestDispatcher(t)
	tk, status := d.Command(context.Background(), "hello", []string{"box1"}, nil)
	require.Equal(t, 200, status)
	require.Empty(t, tk.Running)
	require.Len(t, tk.Success, 1)
	require.Equal(t, "box1", tk.Success[0].Hostname)
}

func TestCommandRecordsNonZeroExitAsError(t *testing.T) {
	d := newTestDispatcher(t)
	tk, status := d.Command(context.Background(), "fail", []string{"box1"}, nil)
	require.Equal(t, 400, status)
	require.True(t, tk.HasErrors())
}

func TestCommandAsUsesGivenTaskID(t *testing.T) {
	d := newTestDispatcher(t)
	tk, _ := d.CommandAs(context.Background(), "plan1::task0", "hello", []string{"box1"}, nil)
	require.Equal(t, "plan1::task0", tk.TaskID)
}

func TestTaskReturnsStoredSnapshot(t *testing.T) {
	d := newTestDispatcher(t)
	tk, _ := d.Command(context.Background(), "hello", []string{"box1"}, nil)

	got, ok := d.Task(tk.TaskID)
	require.True(t, ok)
	require.Equal(t, tk.TaskID, got.TaskID)

	_, ok = d.Task("does-not-exist")
	require.False(t, ok)
}
