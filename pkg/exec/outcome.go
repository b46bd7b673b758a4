// Package exec runs ShellProcess and HTTPClientProcess invocations:
// one child process or one outbound HTTP request per
// (command, hostname) pair, with optional stdout streaming and stdin
// relay over the WebSocket gateway.
package exec

import "github.com/freitascorp/concierge/pkg/task"

// Outcome is the per-host result of running one ShellProcess or
// HTTPClientProcess to completion, ready to fold into a Task record via
// task.MoveToSuccess / task.MoveToError.
type Outcome struct {
	Hostname string
	Success  *task.SuccessEntry
	Error    *task.ErrorEntry
}

func successOutcome(hostname, output string, responseCode int) Outcome {
	return Outcome{Hostname: hostname, Success: &task.SuccessEntry{
		Hostname: hostname, Output: output, ResponseCode: responseCode,
	}}
}

func errorOutcome(hostname, msg, output string, responseCode int) Outcome {
	return Outcome{Hostname: hostname, Error: &task.ErrorEntry{
		Hostname: hostname, Error: msg, Output: output, ResponseCode: responseCode,
	}}
}
