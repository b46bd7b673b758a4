package placeholder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandLiteralHostnameAndParams(t *testing.T) {
	out := ExpandLiteral("ping <hostname> -c <count>", "box1", map[string]any{"count": 3})
	require.Equal(t, "ping box1 -c 3", out)
}

func TestExpandLiteralLeavesUnknownTokens(t *testing.T) {
	out := ExpandLiteral("echo <missing>", "box1", nil)
	require.Equal(t, "echo <missing>", out)
}

func TestExpandJSONHostnameAlwaysAvailable(t *testing.T) {
	out, err := ExpandJSON(`{"host": <string_hostname>}`, "box1", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"host": "box1"}`, out)
}

func TestExpandJSONStringEscapesQuotesAndBackslashes(t *testing.T) {
	// A value containing a double quote and backslash must not be able to
	// break out of its JSON string context.
	params := map[string]any{"name": `o"; DROP TABLE hosts; --\`}
	out, err := ExpandJSON(`{"name": <string_name>}`, "box1", params)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, `o"; DROP TABLE hosts; --\`, decoded["name"])
}

func TestExpandJSONNumberRejectsBool(t *testing.T) {
	_, err := ExpandJSON(`{"n": <number_n>}`, "box1", map[string]any{"n": true})
	require.Error(t, err)
}

func TestExpandJSONNumberFormats(t *testing.T) {
	out, err := ExpandJSON(`{"n": <number_n>}`, "box1", map[string]any{"n": "42"})
	require.NoError(t, err)
	require.JSONEq(t, `{"n": 42}`, out)

	out, err = ExpandJSON(`{"n": <number_n>}`, "box1", map[string]any{"n": 3.5})
	require.NoError(t, err)
	require.JSONEq(t, `{"n": 3.5}`, out)
}

func TestExpandJSONBooleanPythonStyleStrings(t *testing.T) {
	out, err := ExpandJSON(`{"b": <boolean_b>}`, "box1", map[string]any{"b": "yes"})
	require.NoError(t, err)
	require.JSONEq(t, `{"b": true}`, out)

	_, err = ExpandJSON(`{"b": <boolean_b>}`, "box1", map[string]any{"b": "maybe"})
	require.Error(t, err)
}

func TestExpandJSONArrayRejectsNonArrayJSON(t *testing.T) {
	_, err := ExpandJSON(`{"a": <array_a>}`, "box1", map[string]any{"a": `{"not": "an array"}`})
	require.Error(t, err)
}

func TestExpandJSONObjectAcceptsMapOrRawJSON(t *testing.T) {
	out, err := ExpandJSON(`{"o": <json_o>}`, "box1", map[string]any{"o": map[string]any{"k": 1}})
	require.NoError(t, err)
	require.JSONEq(t, `{"o": {"k": 1}}`, out)

	out, err = ExpandJSON(`{"o": <json_o>}`, "box1", map[string]any{"o": `{"k": 1}`})
	require.NoError(t, err)
	require.JSONEq(t, `{"o": {"k": 1}}`, out)
}

func TestExpandJSONUnknownTypePrefixLeftUntouched(t *testing.T) {
	_, err := ExpandJSON(`{"x": <date_x>}`, "box1", map[string]any{"x": "2026-01-01"})
	require.Error(t, err) // left as literal text, fails the final json.Valid check
}
