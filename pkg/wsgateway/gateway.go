// Package wsgateway is the WSGateway: HMAC token issuance, a
// hand-rolled RFC 6455 handshake and frame codec, and per-(task_id,
// hostname) client routing that relays ShellProcess stdout to
// WebSocket clients and inbound frames back to the process's stdin.
package wsgateway

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/freitascorp/concierge/pkg/exec"
)

// Gateway is the WSGateway.
type Gateway struct {
	issuer   *TokenIssuer
	registry *exec.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[exec.Key]map[*client]struct{}
}

type client struct {
	conn net.Conn
	key  exec.Key

	writeMu sync.Mutex
}

// New constructs a Gateway bound to registry (the ShellProcess/
// HTTPClientProcess lookup table maintained by the dispatcher) so
// stdin frames can reach the right child process.
func New(issuer *TokenIssuer, registry *exec.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		issuer:   issuer,
		registry: registry,
		logger:   logger,
		clients:  make(map[exec.Key]map[*client]struct{}),
	}
}

// Serve accepts connections on ln and handles the Upgrade handshake on
// each. ln is expected to already be TLS-wrapped (tls.Listen or
// tls.NewListener) in production; bootstrap owns that construction so
// this package stays testable against a plain listener. Blocks until
// ctx is cancelled or the listener fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		// Shutdown order: clients first, then the listener.
		g.closeClients()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go g.handleConn(conn)
	}
}

func (g *Gateway) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	req, err := readHandshakeRequest(br)
	if err != nil {
		g.logger.Debug("handshake parse failed", "error", err)
		conn.Close()
		return
	}
	if !req.isWebSocketUpgrade() {
		writeHandshakeReject(conn, "400 Bad Request")
		conn.Close()
		return
	}

	rawToken := req.Query.Get("token")
	if rawToken == "" {
		writeHandshakeReject(conn, "401 Unauthorized")
		conn.Close()
		return
	}

	grant, err := g.issuer.Verify(rawToken)
	if err != nil {
		// Token errors close the connection immediately without a
		// WebSocket close frame.
		g.logger.Info("ws token rejected", "error", err)
		writeHandshakeReject(conn, "403 Forbidden")
		conn.Close()
		return
	}

	if err := writeHandshakeAccept(conn, req.Key); err != nil {
		conn.Close()
		return
	}

	key := exec.Key{TaskID: grant.TaskID, Hostname: grant.Hostname}
	c := &client{conn: conn, key: key}
	// Sent before registration so it always precedes any stdout/status
	// broadcast on this socket.
	c.send(OpText, []byte(`{"type":"connected"}`))
	g.register(c)
	defer g.unregister(c)

	g.readLoop(c, br)
}

func (g *Gateway) closeClients() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, set := range g.clients {
		for c := range set {
			c.conn.Close()
		}
	}
	g.clients = make(map[exec.Key]map[*client]struct{})
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.clients[c.key]
	if !ok {
		set = make(map[*client]struct{})
		g.clients[c.key] = set
	}
	set[c] = struct{}{}
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if set, ok := g.clients[c.key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(g.clients, c.key)
		}
	}
	g.mu.Unlock()
	c.conn.Close()
}

// readLoop relays inbound client frames: control-frame text is routed
// to the process's stdin control handler, everything else raw to
// WriteStdin.
func (g *Gateway) readLoop(c *client, br *bufio.Reader) {
	for {
		frame, err := ReadFrame(br)
		if err != nil {
			return
		}
		switch frame.Opcode {
		case OpClose:
			WriteFrame(c.conn, OpClose, CloseFramePayload(1000, ""))
			return
		case OpPing:
			WriteFrame(c.conn, OpPong, frame.Payload)
		case OpPong:
			// no-op: this gateway doesn't send application pings yet.
		case OpText, OpBinary:
			g.relayInbound(c.key, frame.Payload)
		}
	}
}

func (g *Gateway) relayInbound(key exec.Key, payload []byte) {
	handle, ok := g.registry.Lookup(key)
	if !ok {
		return
	}
	if ctrlChar, isControl := exec.IsControlFrame(payload); isControl {
		handle.Control(ctrlChar)
		return
	}
	handle.WriteStdin(payload)
}

func (c *client) send(opcode Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, opcode, payload)
}

// SendText implements exec.StreamSink.
func (g *Gateway) SendText(key exec.Key, payload []byte) {
	g.broadcast(key, OpText, payload)
}

// SendBinary implements exec.StreamSink.
func (g *Gateway) SendBinary(key exec.Key, payload []byte) {
	g.broadcast(key, OpBinary, payload)
}

// BroadcastStatus implements exec.StreamSink.
func (g *Gateway) BroadcastStatus(key exec.Key, status string) {
	g.broadcast(key, OpText, []byte(`{"type":"status","status":"`+status+`"}`))
}

func (g *Gateway) broadcast(key exec.Key, opcode Opcode, payload []byte) {
	g.mu.Lock()
	set := g.clients[key]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, c := range targets {
		if err := c.send(opcode, payload); err != nil {
			g.unregister(c)
		}
	}
}
