// Package placeholder implements the <hostname> / <T_name> substitution
// language used to build shell arguments, URLs, headers, and JSON
// payloads from a host name and a params map.
package placeholder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/freitascorp/concierge/pkg/concierr"
)

// ExpandLiteral replaces <hostname> with hostname, then each <k> with
// the string form of params[k]. Non-string param values are rendered
// via fmt.Stringer or, failing that, their JSON encoding with
// surrounding quotes trimmed.
func ExpandLiteral(input string, hostname string, params map[string]any) string {
	out := strings.ReplaceAll(input, "<hostname>", hostname)
	for k, v := range params {
		out = strings.ReplaceAll(out, "<"+k+">", stringify(v))
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.Trim(string(b), `"`)
	}
}

// typedPlaceholder is a parsed <T_name> token.
type typedPlaceholder struct {
	full string // the full "<T_name>" token, including angle brackets
	typ  string
	name string
}

var typedPrefixes = []string{"string", "number", "boolean", "json", "array"}

// findTypedPlaceholders scans text for <T_name> tokens whose T is one
// of the known types. Unknown type prefixes are left untouched.
func findTypedPlaceholders(text string) []typedPlaceholder {
	var out []typedPlaceholder
	i := 0
	for i < len(text) {
		start := strings.IndexByte(text[i:], '<')
		if start < 0 {
			break
		}
		start += i
		end := strings.IndexByte(text[start:], '>')
		if end < 0 {
			break
		}
		end += start
		token := text[start+1 : end]
		if typ, name, ok := splitTyped(token); ok {
			out = append(out, typedPlaceholder{full: text[start : end+1], typ: typ, name: name})
		}
		i = end + 1
	}
	return out
}

func splitTyped(token string) (typ, name string, ok bool) {
	for _, t := range typedPrefixes {
		prefix := t + "_"
		if strings.HasPrefix(token, prefix) {
			return t, token[len(prefix):], true
		}
	}
	return "", "", false
}

// ExpandJSON substitutes every typed <T_name> placeholder in jsonText
// with a single well-formed JSON token, then verifies the result parses
// as JSON. hostname is always available as
// <string_hostname> even when params is empty or nil.
func ExpandJSON(jsonText string, hostname string, params map[string]any) (string, error) {
	placeholders := findTypedPlaceholders(jsonText)
	out := jsonText
	for _, ph := range placeholders {
		value, ok := lookupValue(ph.name, hostname, params)
		if !ok {
			continue // left as-is; will fail the final JSON parse below
		}
		token, err := renderTypedToken(ph.typ, value)
		if err != nil {
			return "", concierr.Newf(concierr.KindPlaceholderInvalid, "%s: %v", ph.name, err)
		}
		out = strings.Replace(out, ph.full, token, 1)
	}

	if !json.Valid([]byte(out)) {
		return "", concierr.New(concierr.KindResultNotJSON, "result is not valid JSON after placeholder substitution")
	}
	return out, nil
}

func lookupValue(name, hostname string, params map[string]any) (any, bool) {
	if name == "hostname" {
		return hostname, true
	}
	v, ok := params[name]
	return v, ok
}

func renderTypedToken(typ string, value any) (string, error) {
	switch typ {
	case "string":
		b, err := json.Marshal(stringify(value))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "number":
		return renderNumber(value)
	case "boolean":
		return renderBoolean(value)
	case "json":
		return renderJSONObject(value)
	case "array":
		return renderJSONArray(value)
	default:
		return "", fmt.Errorf("unknown placeholder type %q", typ)
	}
}

func renderNumber(value any) (string, error) {
	switch v := value.(type) {
	case bool:
		return "", fmt.Errorf("value %v cannot be converted to number", v)
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case string:
		if looksLikeInt(v) {
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				return v, nil
			}
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		return "", fmt.Errorf("value %q cannot be converted to number", v)
	default:
		return "", fmt.Errorf("value %v cannot be converted to number", v)
	}
}

func looksLikeInt(s string) bool {
	return !strings.ContainsAny(s, ".eE")
}

func renderBoolean(value any) (string, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return "true", nil
		case "false", "0", "no":
			return "false", nil
		default:
			return "", fmt.Errorf("value %q cannot be converted to boolean", v)
		}
	default:
		return "", fmt.Errorf("value %v cannot be converted to boolean", v)
	}
}

func renderJSONObject(value any) (string, error) {
	raw, err := toJSONRaw(value, "")
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("Must be a JSON object: %v", err)
	}
	return string(raw), nil
}

func renderJSONArray(value any) (string, error) {
	raw, err := toJSONRaw(value, " array")
	if err != nil {
		return "", err
	}
	var a []any
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("Must be a JSON array: %v", err)
	}
	return string(raw), nil
}

// toJSONRaw normalizes a value (already-decoded map/slice, or a raw JSON
// string) into canonical JSON bytes, re-validating string inputs.
// kindSuffix (e.g. " array") customizes the error message per call site
// to match the typed placeholder's expected failure wording.
func toJSONRaw(value any, kindSuffix string) ([]byte, error) {
	if s, ok := value.(string); ok {
		var generic any
		if err := json.Unmarshal([]byte(s), &generic); err != nil {
			return nil, fmt.Errorf("%q is not valid JSON%s: %v", s, kindSuffix, err)
		}
		return json.Marshal(generic)
	}
	return json.Marshal(value)
}
