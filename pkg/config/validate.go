package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// validationErrors accumulates every rule violation found while walking
// the document, so a single ConfigInvalid error reports the whole list
// rather than stopping at the first problem; the same
// collect-all-before-deciding policy the task dispatcher applies to
// per-host validation.
type validationErrors struct {
	problems []string
}

func (v *validationErrors) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validationErrors) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return fmt.Errorf("ConfigInvalid: %s", strings.Join(v.problems, "; "))
}

// buildDocument validates a rawDocument and produces the typed
// Document. logger receives Warn (very_unsafe) and Info
// (json_only) notices for risky payload modes.
func buildDocument(raw *rawDocument, logger *slog.Logger) (*Document, error) {
	var ve validationErrors
	doc := &Document{}

	planNames := make(map[string]bool, len(raw.ExecutionPlans))
	for _, rp := range raw.ExecutionPlans {
		if rp.Name == "" {
			ve.addf("execution plan missing name")
			continue
		}
		if planNames[rp.Name] {
			ve.addf("execution plan name %q is not unique", rp.Name)
			continue
		}
		planNames[rp.Name] = true
	}

	for _, rh := range raw.Hosts {
		host := buildHost(rh, &ve, logger)
		doc.Hosts = append(doc.Hosts, host)
	}

	for _, rp := range raw.ExecutionPlans {
		doc.ExecutionPlans = append(doc.ExecutionPlans, buildPlan(rp, &ve))
	}

	if err := ve.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func buildHost(rh rawHost, ve *validationErrors, logger *slog.Logger) Host {
	if rh.Hostname == "" {
		ve.addf("host entry missing hostname")
	}
	if rh.MAC != "" {
		if !isValidMAC(rh.MAC) {
			ve.addf("host %q has invalid mac %q: must be 12 hex digits", rh.Hostname, rh.MAC)
		}
	}

	host := Host{Hostname: rh.Hostname, MAC: rh.MAC}
	for _, rc := range rh.Commands {
		host.Commands = append(host.Commands, buildCommand(rh.Hostname, rc, ve, logger))
	}
	return host
}

func isValidMAC(mac string) bool {
	stripped := strings.NewReplacer(":", "", "-", "").Replace(mac)
	if len(stripped) != 12 {
		return false
	}
	for _, r := range stripped {
		if !isHexDigit(r) {
			return false
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func buildCommand(hostname string, rc rawCommand, ve *validationErrors, logger *slog.Logger) Command {
	c := Command{Name: rc.Name, Type: CommandType(strings.ToLower(rc.Type))}

	if rc.Name == "" {
		ve.addf("host %q has a command with no name", hostname)
	}

	switch c.Type {
	case CommandShell:
		if rc.Command == "" {
			ve.addf("host %q command %q: shell command requires \"command\"", hostname, rc.Name)
		}
		c.Shell = &ShellCommand{
			Command:        rc.Command,
			Arguments:      rc.Arguments,
			SocketRawMode:  normalizeSocketRawMode(rc.SocketRawMode),
			SocketRawStdin: rc.SocketRawStdin,
		}
		switch c.Shell.SocketRawMode {
		case SocketRawDisabled, SocketRawCLI, SocketRawJPEGStream:
		default:
			ve.addf("host %q command %q: invalid socket_raw_mode %q", hostname, rc.Name, rc.SocketRawMode)
		}
		c.Timeout = buildTimeout(hostname, rc, ve, false)

	case CommandHTTP:
		method := strings.ToUpper(rc.Method)
		if method == "" {
			method = "GET"
		}
		if !validMethods[method] {
			ve.addf("host %q command %q: invalid method %q", hostname, rc.Name, rc.Method)
		}
		mode := PayloadReplacementMode(rc.PayloadPlaceholderReplacement)
		if mode == "" {
			mode = PayloadReplacementDisabled
		}
		switch mode {
		case PayloadReplacementDisabled, PayloadReplacementJSONOnly, PayloadReplacementUnsafe:
		default:
			ve.addf("host %q command %q: invalid payload_placeholder_replacement %q", hostname, rc.Name, rc.PayloadPlaceholderReplacement)
		}
		if rc.PayloadBase64Encoded && mode != PayloadReplacementDisabled {
			ve.addf("host %q command %q: payload_base64_encoded and payload_placeholder_replacement are mutually exclusive", hostname, rc.Name)
		}
		if mode == PayloadReplacementUnsafe && logger != nil {
			logger.Warn("command uses very_unsafe payload placeholder replacement", "host", hostname, "command", rc.Name)
		}
		if mode == PayloadReplacementJSONOnly && logger != nil {
			logger.Info("command uses json_only payload placeholder replacement", "host", hostname, "command", rc.Name)
		}
		c.HTTP = &HTTPCommand{
			URL:                           rc.URL,
			Method:                        method,
			Headers:                       rc.Headers,
			QueryParams:                   rc.QueryParams,
			PathParams:                    rc.PathParams,
			Payload:                       rc.Payload,
			PayloadBase64Encoded:          rc.PayloadBase64Encoded,
			PayloadPlaceholderReplacement: mode,
			SkipCertValidation:            rc.SkipCertValidation,
		}
		if rc.URL == "" {
			ve.addf("host %q command %q: http command requires \"url\"", hostname, rc.Name)
		}
		c.Timeout = buildTimeout(hostname, rc, ve, true)

	default:
		ve.addf("host %q command %q: invalid type %q", hostname, rc.Name, rc.Type)
	}

	return c
}

func normalizeSocketRawMode(m string) SocketRawMode {
	if m == "" {
		return SocketRawDisabled
	}
	return SocketRawMode(m)
}

// buildTimeout enforces "exactly one of timeout or async_timeout", with
// an http-only default of sync 30s when neither is present.
func buildTimeout(hostname string, rc rawCommand, ve *validationErrors, httpDefault bool) Timeout {
	switch {
	case rc.Timeout != nil && rc.AsyncTimeout != nil:
		ve.addf("host %q command %q: exactly one of timeout or async_timeout must be set", hostname, rc.Name)
		return Timeout{}
	case rc.Timeout != nil:
		if *rc.Timeout < 0 {
			ve.addf("host %q command %q: timeout must be >= 0", hostname, rc.Name)
		}
		return Timeout{Kind: TimeoutSync, Value: *rc.Timeout}
	case rc.AsyncTimeout != nil:
		if *rc.AsyncTimeout < -1 {
			ve.addf("host %q command %q: async_timeout must be >= -1", hostname, rc.Name)
		}
		return Timeout{Kind: TimeoutAsync, Value: *rc.AsyncTimeout}
	case httpDefault:
		return Timeout{Kind: TimeoutSync, Value: 30}
	default:
		ve.addf("host %q command %q: missing timeout or async_timeout", hostname, rc.Name)
		return Timeout{}
	}
}

func buildPlan(rp rawExecPlan, ve *validationErrors) ExecutionPlan {
	plan := ExecutionPlan{Name: rp.Name, ReferencedPlans: rp.ReferencedPlans}
	for i, rt := range rp.Tasks {
		if rt.Command == "" {
			ve.addf("plan %q task %d: missing command", rp.Name, i)
		}
		if len(rt.Hostnames) == 0 {
			ve.addf("plan %q task %d: missing hostnames", rp.Name, i)
		}
		if rt.IfPreviousCommandResult != "" {
			switch rt.IfPreviousCommandResult {
			case "all_success", "any_success", "all_error", "any_error":
			default:
				ve.addf("plan %q task %d: invalid if_previous_command_result %q", rp.Name, i, rt.IfPreviousCommandResult)
			}
		}
		plan.Tasks = append(plan.Tasks, PlanTask{
			Command:                  rt.Command,
			Hostnames:                rt.Hostnames,
			Params:                   rt.Params,
			ExecuteAfter:             rt.ExecuteAfter,
			ExecuteAtPosition:        rt.ExecuteAtPosition,
			IfPreviousCommand:        rt.IfPreviousCommand,
			IfPreviousCommandResult:  rt.IfPreviousCommandResult,
			IfPreviousOutputContains: rt.IfPreviousOutputContains,
			OnSuccessJumpTo:          rt.OnSuccessJumpTo,
			OnErrorJumpTo:            rt.OnErrorJumpTo,
		})
	}
	return plan
}
