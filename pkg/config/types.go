// Package config loads, validates, and exposes the concierge host/command/
// execution-plan document. Dynamic JSON is validated once at load time
// into strongly-typed sum types, so downstream code never re-checks
// the shape of a Command.
package config

// Host is a named machine the service may act on. A host may have
// no MAC (WOL unavailable) and no commands.
type Host struct {
	Hostname string    `json:"hostname"`
	MAC      string    `json:"mac,omitempty"`
	Commands []Command `json:"commands,omitempty"`
}

// CommandType discriminates the Command sum type.
type CommandType string

const (
	CommandShell         CommandType = "shell"
	CommandHTTP          CommandType = "http"
	CommandExecutionPlan CommandType = "execution_plan" // pseudo-command derived from plan names
)

// TimeoutKind distinguishes the two Timeout variants.
type TimeoutKind int

const (
	TimeoutSync TimeoutKind = iota
	TimeoutAsync
)

// Timeout is a validated sum type: exactly one of Sync (>=0) or
// Async (>=-1, -1 = unbounded) is ever constructed.
type Timeout struct {
	Kind  TimeoutKind
	Value int
}

func (t Timeout) IsSync() bool { return t.Kind == TimeoutSync }

// PayloadReplacementMode is the HTTP command's payload placeholder mode.
type PayloadReplacementMode string

const (
	PayloadReplacementDisabled PayloadReplacementMode = "disabled"
	PayloadReplacementJSONOnly PayloadReplacementMode = "json_only"
	PayloadReplacementUnsafe   PayloadReplacementMode = "very_unsafe"
)

// SocketRawMode controls how a shell command's stdout is streamed over
// the WebSocket gateway.
type SocketRawMode string

const (
	SocketRawDisabled   SocketRawMode = "disabled"
	SocketRawCLI        SocketRawMode = "cli"
	SocketRawJPEGStream SocketRawMode = "jpeg_stream"
)

// Command is the validated sum type for a host's named action. Exactly
// one of Shell or HTTP is non-nil, selected by Type, except for the
// execution_plan pseudo-command, which has neither.
type Command struct {
	Name    string      `json:"name"`
	Type    CommandType `json:"type"`
	Timeout Timeout     `json:"-"`

	Shell *ShellCommand `json:"-"`
	HTTP  *HTTPCommand  `json:"-"`
}

// ShellCommand is a locally executed child process definition.
type ShellCommand struct {
	Command        string        `json:"command"`
	Arguments      []string      `json:"arguments,omitempty"`
	SocketRawMode  SocketRawMode `json:"socket_raw_mode,omitempty"`
	SocketRawStdin bool          `json:"socket_raw_stdin,omitempty"`
}

// HTTPCommand is an outbound HTTP(S) request definition.
type HTTPCommand struct {
	URL                           string                 `json:"url"`
	Method                        string                 `json:"method,omitempty"`
	Headers                       map[string]string      `json:"headers,omitempty"`
	QueryParams                   map[string]string      `json:"query_params,omitempty"`
	PathParams                    map[string]string      `json:"path_params,omitempty"`
	Payload                       string                 `json:"payload,omitempty"`
	PayloadBase64Encoded          bool                   `json:"payload_base64_encoded,omitempty"`
	PayloadPlaceholderReplacement PayloadReplacementMode `json:"payload_placeholder_replacement,omitempty"`
	SkipCertValidation            bool                   `json:"skip_cert_validation,omitempty"`
}

// PlanTask is one step of an ExecutionPlan.
type PlanTask struct {
	Command                   string         `json:"command"`
	Hostnames                 []string       `json:"hostnames"`
	Params                    map[string]any `json:"params,omitempty"`
	ExecuteAfter              *int           `json:"execute_after,omitempty"`
	ExecuteAtPosition         *int           `json:"execute_at_position,omitempty"`
	IfPreviousCommand         *int           `json:"if_previous_command,omitempty"`
	IfPreviousCommandResult   string         `json:"if_previous_command_result,omitempty"`
	IfPreviousOutputContains  string         `json:"if_previous_output_contains,omitempty"`
	OnSuccessJumpTo           *int           `json:"on_success_jump_to,omitempty"`
	OnErrorJumpTo             *int           `json:"on_error_jump_to,omitempty"`
}

// ExecutionPlan is a declarative, named sequence of PlanTasks and
// referenced sub-plans.
type ExecutionPlan struct {
	Name            string     `json:"name"`
	ReferencedPlans []string   `json:"referenced_plans,omitempty"`
	Tasks           []PlanTask `json:"tasks"`
}
