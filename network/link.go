package network

import (
	"errors"
	"fmt"
	"net/netip"

	"oscmesh/osc"
)

// ErrNoLink indicates there is no socket able to reach a peer class.
var ErrNoLink = errors.New("network: no link for peer")

// Link is the send capability of one peer.
type Link interface {
	// Send frames and writes codec bytes to the peer.
	Send(payload []byte) error
	// Disconnect tells the peer this node is going away, where the class
	// supports it.
	Disconnect() error
}

// datagramWriter is the write half of a UDP socket.
type datagramWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// datagramLink writes framed datagrams to one address.
type datagramLink struct {
	conn   datagramWriter
	addr   netip.AddrPort
	framer Framer
}

func (l *datagramLink) Send(payload []byte) error {
	frame, err := l.framer.Frame(payload)
	if err != nil {
		return err
	}
	if _, err := l.conn.WriteToUDPAddrPort(frame, l.addr); err != nil {
		return fmt.Errorf("write datagram to %s: %w", l.addr, err)
	}
	return nil
}

// nodeLink reaches local and remote nodes; they are told about departures.
type nodeLink struct {
	datagramLink
}

func (l *nodeLink) Disconnect() error {
	payload, err := osc.Encode(osc.Message{Address: PathDisconnect})
	if err != nil {
		return err
	}
	return l.Send(payload)
}

// clientLink reaches local clients, which own their lifetime.
type clientLink struct {
	datagramLink
}

func (l *clientLink) Disconnect() error {
	return nil
}
