// Package wol sends IEEE 802.3 Wake-on-LAN magic packets. A magic
// packet is six 0xFF bytes followed by the target MAC repeated sixteen
// times, broadcast over UDP to port 9. Linux requires SO_BROADCAST to be
// set on the socket before a send to a broadcast address is permitted.
package wol

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/freitascorp/concierge/pkg/concierr"
)

const broadcastAddr = "255.255.255.255:9"

// Sender broadcasts magic packets. Its zero value is ready to use.
type Sender struct {
	// Addr overrides the broadcast target, for tests.
	Addr string
}

// Send normalizes mac and broadcasts the magic packet built from it.
func (s Sender) Send(ctx context.Context, mac string) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}

	addr := s.Addr
	if addr == "" {
		addr = broadcastAddr
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return concierr.Newf(concierr.KindWOLFailed, "open broadcast socket: %v", err)
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return concierr.Newf(concierr.KindWOLFailed, "resolve broadcast address %q: %v", addr, err)
	}

	if _, err := conn.WriteTo(packet, raddr); err != nil {
		return concierr.Newf(concierr.KindWOLFailed, "send magic packet: %v", err)
	}
	return nil
}

// MagicPacket builds the 102-byte Wake-on-LAN payload for mac, which
// may use ':' or '-' separators (or none) and either case.
func MagicPacket(mac string) ([]byte, error) {
	stripped := strings.NewReplacer(":", "", "-", "").Replace(strings.ToLower(mac))
	if len(stripped) != 12 {
		return nil, concierr.Newf(concierr.KindWOLFailed, "invalid mac address %q", mac)
	}
	hw, err := hex.DecodeString(stripped)
	if err != nil {
		return nil, concierr.Newf(concierr.KindWOLFailed, "invalid mac address %q: %v", mac, err)
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	if len(packet) != 102 {
		return nil, fmt.Errorf("internal error: built %d-byte magic packet", len(packet))
	}
	return packet, nil
}
