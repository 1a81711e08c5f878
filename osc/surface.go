// Package osc implements the UDP control surface described in
// SPEC_FULL.md §4.E/§6.3: /serialosc/list and /serialosc/notify inbound, and
// /serialosc/device, /serialosc/add, /serialosc/remove outbound. The OSC
// wire codec itself (parsing and building OSC messages) is an external
// collaborator, provided by github.com/hypebeast/go-osc; this package only
// owns the UDP socket, the rate limiting, and the method dispatch.
//
// Reads happen on a dedicated goroutine and are handed to the single-
// threaded supervisor event loop over a channel, adapted from the
// accept-then-dispatch shape of a conventional UDP server to the
// cooperative, non-blocking-from-the-loop's-perspective model required by
// SPEC_FULL.md §5.
package osc

import (
	"context"
	"fmt"
	"net"

	gosc "github.com/hypebeast/go-osc/osc"

	"github.com/wrl/serialosc/lalog"
)

const maxPacketSize = 9038

// RequestKind distinguishes the two inbound methods this surface accepts.
type RequestKind int

const (
	// RequestList corresponds to /serialosc/list.
	RequestList RequestKind = iota
	// RequestNotify corresponds to /serialosc/notify.
	RequestNotify
)

// Request is a decoded, validated inbound OSC method call. Unknown paths and
// malformed argument shapes never produce a Request; they are silently
// dropped per §4.E.
type Request struct {
	Kind RequestKind
	Host string
	Port int
}

// Surface owns the supervisor's well-known UDP OSC socket.
type Surface struct {
	conn      *net.UDPConn
	logger    lalog.Logger
	rateLimit *lalog.RateLimit
	requests  chan Request
}

// Listen binds the OSC surface to the given UDP port on all interfaces.
func Listen(port int) (*Surface, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("osc.Listen: cannot resolve address - %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("osc.Listen: cannot bind port %d - %w", port, err)
	}
	logger := lalog.Logger{ComponentName: "osc.Surface", ComponentID: []lalog.LoggerIDField{{Key: "port", Value: port}}}
	s := &Surface{
		conn:     conn,
		logger:   logger,
		requests: make(chan Request, 64),
	}
	s.rateLimit = lalog.NewRateLimit(1, 200, &logger)
	return s, nil
}

// Run starts the background read loop. It returns once ctx is cancelled or
// the socket is closed.
func (s *Surface) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			close(s.requests)
			return
		}
		if n == 0 {
			continue
		}
		if !s.rateLimit.Add(addr.IP.String(), true) {
			continue
		}
		req, ok := decodeRequest(buf[:n])
		if !ok {
			continue
		}
		select {
		case s.requests <- req:
		case <-ctx.Done():
			close(s.requests)
			return
		}
	}
}

// Requests returns the channel of validated inbound method calls. The
// supervisor's event loop drains whatever is already buffered on this
// channel once per turn; it never blocks on it.
func (s *Surface) Requests() <-chan Request {
	return s.requests
}

// decodeRequest parses a raw UDP payload as an OSC message and, if it
// matches one of the two known methods with the expected "s i" argument
// shape, returns a Request. Anything else (unknown path, wrong arity, wrong
// types, undecodable bytes) is silently dropped per §4.E.
func decodeRequest(raw []byte) (Request, bool) {
	packet, err := gosc.ParsePacket(string(raw))
	if err != nil {
		return Request{}, false
	}
	msg, ok := packet.(*gosc.Message)
	if !ok {
		return Request{}, false
	}
	if len(msg.Arguments) != 2 {
		return Request{}, false
	}
	host, ok := msg.Arguments[0].(string)
	if !ok {
		return Request{}, false
	}
	port, ok := asPort(msg.Arguments[1])
	if !ok {
		return Request{}, false
	}
	switch msg.Address {
	case "/serialosc/list":
		return Request{Kind: RequestList, Host: host, Port: port}, true
	case "/serialosc/notify":
		return Request{Kind: RequestNotify, Host: host, Port: port}, true
	default:
		return Request{}, false
	}
}

func asPort(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// ReplyDevice sends one /serialosc/device s s i message to (host, port),
// in response to /serialosc/list. The source port of the reply is always
// this surface's own listening port.
func (s *Surface) ReplyDevice(host string, port int, serial, friendly string, oscPort int) error {
	return s.send(host, port, "/serialosc/device", serial, friendly, oscPort)
}

// NotifyAdd sends /serialosc/add s s i to (host, port).
func (s *Surface) NotifyAdd(host string, port int, serial, friendly string, oscPort int) error {
	return s.send(host, port, "/serialosc/add", serial, friendly, oscPort)
}

// NotifyRemove sends /serialosc/remove s s i to (host, port).
func (s *Surface) NotifyRemove(host string, port int, serial, friendly string, oscPort int) error {
	return s.send(host, port, "/serialosc/remove", serial, friendly, oscPort)
}

func (s *Surface) send(host string, port int, address, serial, friendly string, oscPort int) error {
	dest, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("osc.Surface.send(%s): cannot resolve destination - %w", address, err)
	}
	msg := gosc.NewMessage(address)
	msg.Append(serial)
	msg.Append(friendly)
	msg.Append(int32(oscPort))
	data, err := msg.ToByteArray()
	if err != nil {
		return fmt.Errorf("osc.Surface.send(%s): cannot encode - %w", address, err)
	}
	_, err = s.conn.WriteToUDP(data, dest)
	return err
}

// Close stops accepting new packets.
func (s *Surface) Close() error {
	return s.conn.Close()
}
