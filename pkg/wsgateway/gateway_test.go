package wsgateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/concierge/pkg/exec"
)

// fakeHandle is an exec.Handle recording relayed stdin/control traffic,
// standing in for a ShellProcess in these gateway-only tests.
type fakeHandle struct {
	stdin    chan []byte
	control  chan byte
	aborted  chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		stdin:   make(chan []byte, 8),
		control: make(chan byte, 8),
		aborted: make(chan struct{}),
	}
}

func (h *fakeHandle) WriteStdin(data []byte) error { h.stdin <- append([]byte(nil), data...); return nil }
func (h *fakeHandle) Control(c byte) error          { h.control <- c; return nil }
func (h *fakeHandle) Abort()                        { close(h.aborted) }

func selfSignedTLSListener(t *testing.T) net.Listener {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	return ln
}

func newTestGateway(t *testing.T) (*Gateway, *TokenIssuer, *exec.Registry, net.Listener) {
	t.Helper()
	issuer := NewTokenIssuer([]byte("test-secret"))
	registry := exec.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := New(issuer, registry, logger)
	ln := selfSignedTLSListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Serve(ctx, ln)

	return gw, issuer, registry, ln
}

func dialWS(t *testing.T, ln net.Listener, token string) *websocket.Conn {
	t.Helper()
	addr := ln.Addr().String()
	u := url.URL{Scheme: "wss", Host: addr, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	conn, _, err := dialer.Dial(u.String(), nil)
	require.NoError(t, err)
	return conn
}

func TestGatewayStreamsToClient(t *testing.T) {
	gw, issuer, _, ln := newTestGateway(t)

	token, err := issuer.Issue("alice", "task-1", "host-1", 30)
	require.NoError(t, err)

	conn := dialWS(t, ln, token)
	defer conn.Close()

	key := exec.Key{TaskID: "task-1", Hostname: "host-1"}
	// Give the server-side registration a moment to land.
	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.clients[key]) == 1
	}, time.Second, 5*time.Millisecond)

	gw.SendText(key, []byte(`{"type":"stdout","data":"hello"}`))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"connected"}`, string(msg))

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"stdout","data":"hello"}`, string(msg))
}

func TestGatewayRejectsInvalidToken(t *testing.T) {
	_, _, _, ln := newTestGateway(t)

	u := url.URL{Scheme: "wss", Host: ln.Addr().String(), Path: "/ws", RawQuery: "token=garbage"}
	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	_, resp, err := dialer.Dial(u.String(), nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 403, resp.StatusCode)
	}
}

func TestGatewayTokenReplayRejected(t *testing.T) {
	_, issuer, _, ln := newTestGateway(t)

	token, err := issuer.Issue("alice", "task-2", "host-2", 30)
	require.NoError(t, err)

	first := dialWS(t, ln, token)
	first.Close()

	u := url.URL{Scheme: "wss", Host: ln.Addr().String(), Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	_, resp, err := dialer.Dial(u.String(), nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 403, resp.StatusCode)
	}
}

func TestGatewayRelaysInboundToStdin(t *testing.T) {
	gw, issuer, registry, ln := newTestGateway(t)
	_ = gw

	key := exec.Key{TaskID: "task-3", Hostname: "host-3"}
	handle := newFakeHandle()
	registry.Register(key, handle)

	token, err := issuer.Issue("alice", key.TaskID, key.Hostname, 30)
	require.NoError(t, err)

	conn := dialWS(t, ln, token)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls -la\n")))

	select {
	case data := <-handle.stdin:
		require.Equal(t, "ls -la\n", string(data))
	case <-time.After(time.Second):
		t.Fatal("stdin frame not relayed")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","char":"C"}`)))
	select {
	case c := <-handle.control:
		require.Equal(t, byte('C'), c)
	case <-time.After(time.Second):
		t.Fatal("control frame not relayed")
	}
}

func TestGatewayUnknownPathStillHonorsToken(t *testing.T) {
	_, issuer, _, ln := newTestGateway(t)
	token, err := issuer.Issue("alice", "task-4", "host-4", 30)
	require.NoError(t, err)

	u := url.URL{Scheme: "wss", Host: ln.Addr().String(), Path: "/anything", RawQuery: "token=" + url.QueryEscape(token)}
	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	conn, _, err := dialer.Dial(u.String(), nil)
	require.NoError(t, err)
	conn.Close()
}
