// Handshake for the WebSocket gateway, hand-built from RFC 6455 §4
// rather than a library (see frame.go and DESIGN.md): it is built on
// bufio, net/textproto, net/url, crypto/sha1, and encoding/base64 from
// the standard library, without net/http.
package wsgateway

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"strings"
)

// websocketGUID is the fixed RFC 6455 §1.3 magic string.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handshakeRequest is the parsed HTTP/1.1 Upgrade request line and the
// headers the handshake cares about.
type handshakeRequest struct {
	Path      string
	Query     url.Values
	Key       string
	Upgrade   string
	Connection string
}

// readHandshakeRequest parses the request line and header block off r.
// It deliberately does not use net/http: this listener speaks only the
// Upgrade handshake, never ordinary HTTP request/response bodies.
func readHandshakeRequest(r *bufio.Reader) (*handshakeRequest, error) {
	tp := textproto.NewReader(r)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("wsgateway: reading request line: %w", err)
	}
	fields := strings.Fields(requestLine)
	if len(fields) != 3 || fields[0] != "GET" {
		return nil, fmt.Errorf("wsgateway: expected GET request line, got %q", requestLine)
	}

	u, err := url.Parse(fields[1])
	if err != nil {
		return nil, fmt.Errorf("wsgateway: invalid request target: %w", err)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("wsgateway: reading headers: %w", err)
	}

	return &handshakeRequest{
		Path:       u.Path,
		Query:      u.Query(),
		Key:        headers.Get("Sec-Websocket-Key"),
		Upgrade:    headers.Get("Upgrade"),
		Connection: headers.Get("Connection"),
	}, nil
}

func (h *handshakeRequest) isWebSocketUpgrade() bool {
	return strings.EqualFold(h.Upgrade, "websocket") &&
		strings.Contains(strings.ToLower(h.Connection), "upgrade") &&
		h.Key != ""
}

// acceptKey computes Sec-WebSocket-Accept per RFC 6455 §4.2.2.
func acceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// writeHandshakeAccept writes the 101 response naming the concierge
// sub-protocol.
func writeHandshakeAccept(w io.Writer, clientKey string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(clientKey) + "\r\n" +
		"Sec-WebSocket-Protocol: concierge.v1\r\n\r\n"
	_, err := io.WriteString(w, resp)
	return err
}

// writeHandshakeReject closes the connection with a bare status line.
// Token errors never get a WebSocket close frame, since no WebSocket
// session was ever established.
func writeHandshakeReject(w io.Writer, status string) error {
	_, err := io.WriteString(w, "HTTP/1.1 "+status+"\r\nConnection: close\r\n\r\n")
	return err
}
