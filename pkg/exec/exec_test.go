package exec

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/freitascorp/concierge/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestShellProcessSuccess(t *testing.T) {
	sp := NewShellProcess(Key{TaskID: "t1", Hostname: "h1"}, config.ShellCommand{
		Command:   "echo",
		Arguments: []string{"hello <hostname>"},
	}, nil, nil, nil)

	out := sp.Run(context.Background())
	require.NotNil(t, out.Success)
	require.Nil(t, out.Error)
	require.Equal(t, "h1", out.Hostname)
}

func TestShellProcessNonZeroExit(t *testing.T) {
	sp := NewShellProcess(Key{TaskID: "t1", Hostname: "h1"}, config.ShellCommand{
		Command: "false",
	}, nil, nil, nil)

	out := sp.Run(context.Background())
	require.Nil(t, out.Success)
	require.NotNil(t, out.Error)
	require.Equal(t, "Exit code 1", out.Error.Error)
}

func TestShellProcessTimeout(t *testing.T) {
	sp := NewShellProcess(Key{TaskID: "t1", Hostname: "h1"}, config.ShellCommand{
		Command:   "sleep",
		Arguments: []string{"5"},
	}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := sp.Run(ctx)
	elapsed := time.Since(start)

	require.NotNil(t, out.Error)
	require.Contains(t, out.Error.Error, "timed out")
	// The process must be killed as soon as the context expires, not
	// waited out until "sleep 5" exits on its own; otherwise
	// end_timestamp/running never resolves within any bound.
	require.Less(t, elapsed, 2*time.Second)
}

func TestShellProcessAbort(t *testing.T) {
	sp := NewShellProcess(Key{TaskID: "t1", Hostname: "h1"}, config.ShellCommand{
		Command:   "sleep",
		Arguments: []string{"5"},
	}, nil, nil, nil)

	done := make(chan Outcome, 1)
	go func() { done <- sp.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	sp.Abort()

	select {
	case out := <-done:
		require.NotNil(t, out.Error)
		require.Contains(t, out.Error.Error, "aborted")
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not terminate process in time")
	}
}

func TestHTTPClientProcessSuccess(t *testing.T) {
	srv := httptest.NewServer(okHandler())
	defer srv.Close()

	cmd := config.HTTPCommand{URL: srv.URL + "/ping/<hostname>", Method: "GET"}
	p := NewHTTPClientProcess("h1", cmd, nil)
	out := p.Run(context.Background())
	require.NotNil(t, out.Success)
	require.Equal(t, 200, out.Success.ResponseCode)
}

func TestHTTPClientProcessNon2xx(t *testing.T) {
	srv := httptest.NewServer(failHandler())
	defer srv.Close()

	cmd := config.HTTPCommand{URL: srv.URL, Method: "GET"}
	p := NewHTTPClientProcess("h1", cmd, nil)
	out := p.Run(context.Background())
	require.NotNil(t, out.Error)
	require.Equal(t, 500, out.Error.ResponseCode)
}

func TestHTTPClientProcessJSONPlaceholderInjectionSafety(t *testing.T) {
	var captured string
	srv := httptest.NewServer(captureBody(&captured))
	defer srv.Close()

	cmd := config.HTTPCommand{
		URL:                           srv.URL,
		Method:                        "POST",
		Payload:                       `{"name": <string_name>}`,
		PayloadPlaceholderReplacement: config.PayloadReplacementJSONOnly,
	}
	p := NewHTTPClientProcess("h1", cmd, map[string]any{"name": `","x":"y`})
	out := p.Run(context.Background())
	require.NotNil(t, out.Success)
	require.JSONEq(t, `{"name": "\",\"x\":\"y"}`, captured)
}
