package config

import "encoding/json"

// rawDocument is the wire shape accepting either a legacy array of hosts
// or the {hosts, execution_plans} object.
type rawDocument struct {
	Hosts          []rawHost        `json:"hosts"`
	ExecutionPlans []rawExecPlan    `json:"execution_plans"`
}

type rawHost struct {
	Hostname string       `json:"hostname"`
	MAC      string       `json:"mac"`
	Commands []rawCommand `json:"commands"`
}

type rawCommand struct {
	Name                          string            `json:"name"`
	Type                          string             `json:"type"`
	Command                       string             `json:"command"`
	Arguments                     []string           `json:"arguments"`
	Timeout                       *int               `json:"timeout"`
	AsyncTimeout                  *int               `json:"async_timeout"`
	SocketRawMode                 string             `json:"socket_raw_mode"`
	SocketRawStdin                bool               `json:"socket_raw_stdin"`
	URL                           string             `json:"url"`
	Method                        string             `json:"method"`
	Headers                       map[string]string  `json:"headers"`
	QueryParams                   map[string]string  `json:"query_params"`
	PathParams                    map[string]string  `json:"path_params"`
	Payload                       string             `json:"payload"`
	PayloadBase64Encoded          bool               `json:"payload_base64_encoded"`
	PayloadPlaceholderReplacement string             `json:"payload_placeholder_replacement"`
	SkipCertValidation            bool               `json:"skip_cert_validation"`
}

type rawPlanTask struct {
	Command                  string         `json:"command"`
	Hostnames                []string       `json:"hostnames"`
	Params                   map[string]any `json:"params"`
	ExecuteAfter             *int           `json:"execute_after"`
	ExecuteAtPosition        *int           `json:"execute_at_position"`
	IfPreviousCommand        *int           `json:"if_previous_command"`
	IfPreviousCommandResult  string         `json:"if_previous_command_result"`
	IfPreviousOutputContains string         `json:"if_previous_output_contains"`
	OnSuccessJumpTo          *int           `json:"on_success_jump_to"`
	OnErrorJumpTo            *int           `json:"on_error_jump_to"`
}

type rawExecPlan struct {
	Name            string        `json:"name"`
	ReferencedPlans []string      `json:"referenced_plans"`
	Tasks           []rawPlanTask `json:"tasks"`
}

// parseDocument accepts either of the two top-level config shapes.
func parseDocument(data []byte) (*rawDocument, error) {
	var asArray []rawHost
	if err := json.Unmarshal(data, &asArray); err == nil && looksLikeHostArray(data) {
		return &rawDocument{Hosts: asArray}, nil
	}

	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// looksLikeHostArray reports whether the first non-space byte of data is
// '[', so only a top-level JSON array is taken as the legacy host-array
// shape (json.Unmarshal also accepts `null` into a []rawHost without
// error).
func looksLikeHostArray(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
