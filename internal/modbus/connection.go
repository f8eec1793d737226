package modbus

import (
	"errors"
	"fmt"
	"net"
	"time"

	mb "github.com/goburrow/modbus"
)

// Destination is one addressable Modbus endpoint: a TCP socket, optionally
// narrowed to a single slave id. A nil Slave addresses the unit at the
// socket without selecting a slave id.
type Destination struct {
	Address string // host:port
	Slave   *uint8
}

func (d Destination) String() string {
	if d.Slave == nil {
		return d.Address
	}
	return fmt.Sprintf("%s#%d", d.Address, *d.Slave)
}

// destinationKey is the comparable form of a Destination used to key the
// worker's connection and params maps. Destination itself carries its
// slave as a pointer, so using it directly would alias identical
// destinations to distinct map entries.
type destinationKey struct {
	address  string
	slave    uint8
	hasSlave bool
}

func (d Destination) key() destinationKey {
	k := destinationKey{address: d.Address}
	if d.Slave != nil {
		k.slave = *d.Slave
		k.hasSlave = true
	}
	return k
}

// MinSlave and MaxSlave bound the inclusive range of valid Modbus slave ids.
const (
	MinSlave uint8 = 1
	MaxSlave uint8 = 247
)

// Destinations enumerates every candidate destination for a socket: each
// valid slave id in turn, plus the standalone (no slave id) destination.
func Destinations(address string) []Destination {
	out := make([]Destination, 0, int(MaxSlave-MinSlave)+2)
	for slave := MinSlave; slave <= MaxSlave; slave++ {
		s := slave
		out = append(out, Destination{Address: address, Slave: &s})
	}
	out = append(out, Destination{Address: address, Slave: nil})
	return out
}

// ConnectError reports why a Destination could not be connected to.
type ConnectError struct {
	Destination Destination
	Slave       bool // true: Slave value itself is out of the valid range
	Cause       error
}

func (e *ConnectError) Error() string {
	if e.Slave {
		return fmt.Sprintf("invalid slave id for %s", e.Destination)
	}
	return fmt.Sprintf("connect %s: %v", e.Destination, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// ReadError reports why a single read attempt against a Connection failed.
type ReadError struct {
	Timeout bool // true: the read deadline elapsed before a response arrived
	Cause   error
}

func (e *ReadError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("read timeout: %v", e.Cause)
	}
	return fmt.Sprintf("read error: %v", e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// Params tunes how a Connection reads a span: the per-attempt deadline,
// the delay before every attempt (including the first), and the total
// attempt budget.
type Params struct {
	Timeout time.Duration
	Backoff time.Duration
	Retries uint32
}

// Connection wraps one live goburrow/modbus client bound to a Destination.
type Connection struct {
	destination Destination
	handler     *mb.TCPClientHandler
	client      mb.Client
}

// Connect dials a Destination, validating its slave id (if any) first.
// Every destination uses Modbus TCP framing: a slave id is sent as the
// MBAP unit identifier, and no RTU-over-TCP framing is used.
func Connect(destination Destination) (*Connection, error) {
	if destination.Slave != nil && (*destination.Slave < MinSlave || *destination.Slave > MaxSlave) {
		return nil, &ConnectError{Destination: destination, Slave: true}
	}

	handler := mb.NewTCPClientHandler(destination.Address)
	handler.Timeout = 5 * time.Second
	if destination.Slave != nil {
		handler.SlaveId = *destination.Slave
	}

	if err := handler.Connect(); err != nil {
		return nil, &ConnectError{Destination: destination, Cause: err}
	}

	return &Connection{
		destination: destination,
		handler:     handler,
		client:      mb.NewClient(handler),
	}, nil
}

// Close releases the underlying TCP connection.
func (c *Connection) Close() error {
	return c.handler.Close()
}

// Destination returns the endpoint this Connection is bound to.
func (c *Connection) Destination() Destination { return c.destination }

// simpleRead performs exactly one read of span against the connection,
// bounded by timeout. The deadline is enforced by the underlying socket
// (handler.Timeout), not a second racing timer: a deadline that elapses
// before the read returns is reported as ReadError.Timeout; any other
// failure (refused connection, protocol exception, EOF) is reported as a
// non-timeout ReadError.
func (c *Connection) simpleRead(span Span, timeout time.Duration) ([]uint16, error) {
	c.handler.Timeout = timeout

	raw, err := c.client.ReadHoldingRegisters(span.Address, span.Quantity)
	if err != nil {
		return nil, &ReadError{Timeout: isDeadlineExceeded(err), Cause: err}
	}
	return bytesToWords(raw), nil
}

// isDeadlineExceeded reports whether err originates from the socket
// deadline set by handler.Timeout elapsing, as opposed to any other
// connection failure.
func isDeadlineExceeded(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ParameterizedRead reads span with retrying per params: it sleeps for
// Backoff before every attempt (including the first), retrying up to
// Retries total attempts. Retries is the total attempt budget, not a
// count of retries beyond the first try: with Retries=3 against a dead
// destination, exactly 3 attempts are made and 3 errors accumulate.
func (c *Connection) ParameterizedRead(span Span, params Params) ([]uint16, []error) {
	var errs []error
	var retried uint32

	retries := params.Retries
	if retries == 0 {
		retries = 1
	}

	for retried != retries {
		time.Sleep(params.Backoff)
		words, err := c.simpleRead(span, params.Timeout)
		if err == nil {
			return words, nil
		}
		errs = append(errs, err)
		retried++
	}

	return nil, errs
}

func bytesToWords(raw []byte) []uint16 {
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return words
}

// dialOnly checks bare TCP reachability of address within timeout,
// without any Modbus framing.
func dialOnly(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
