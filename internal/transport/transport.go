// Package transport defines the common interface implemented by the UDP
// and serial links to the target: bulk memory transfer, 12-byte command
// send, and inbound packet/command receive. See internal/transport/udp and
// internal/transport/serial for the two wire-level implementations.
package transport

import (
	"errors"
	"time"
)

// ErrFatal wraps a transport failure that the session cannot recover from
// (socket create/bind/connect failed, serial port open failed, a write
// failed for a reason other than would-block). Callers must terminate the
// session when a transport method returns an error wrapping ErrFatal.
var ErrFatal = errors.New("transport: fatal error")

// SendBulkFunc matches the shape the loader (internal/loader) drives: copy
// len(data) bytes to the target starting at dcaddr.
type SendBulkFunc func(data []byte, dcaddr uint32) error

// RecvBulkFunc matches download's shape: copy len bytes from the target
// starting at dcaddr into dst.
type RecvBulkFunc func(dcaddr uint32, dst []byte) error

// Transport is the common surface the session driver (internal/session)
// and the syscall dispatcher (internal/dispatch) depend on. Both the UDP
// and serial implementations satisfy it; argument and wire encoding are
// transport-private.
type Transport interface {
	// SendBulk delivers data to the target at dcaddr, retrying internally
	// until acknowledged. Blocks until complete or ErrFatal.
	SendBulk(data []byte, dcaddr uint32) error

	// RecvBulk reads len(dst) bytes from the target starting at dcaddr
	// into dst. quiet selects the non-screen-clearing variant on the
	// target (SBIQ instead of SBIN on UDP, 'G' instead of 'F' on serial).
	RecvBulk(dcaddr uint32, dst []byte, quiet bool) error

	// SendCommand assembles and sends one command frame without waiting
	// for a reply. tag is transport-specific: a 4-byte ASCII code on UDP,
	// a 1-byte opcode on serial (callers use the wire.Tag helpers and let
	// the transport narrow it).
	SendCommand(tag string, addr, size uint32, data []byte) error

	// Execute sends the EXECUTE command and waits for it to be
	// acknowledged (the target always answers EXECUTE once it has
	// jumped, for symmetry with the other command/response pairs).
	Execute(entry uint32, console, cdfs bool) error

	// ServeOne blocks for one inbound command frame (bounded by
	// PacketTimeout, sleeping IdlePoll between polls) and returns it
	// decoded into a Command. Returns (Command{}, false, nil) on a
	// timed-out poll so callers can check for cancellation between
	// polls.
	ServeOne(timeout time.Duration) (Command, bool, error)

	// Close releases the underlying socket/port.
	Close() error
}

// Command is one decoded inbound command frame: the tag (a 4-byte ASCII
// code on UDP, "DCnn" synthesized from the 1-byte opcode on serial), the
// address/size pair every command_t-shaped frame carries (their meaning
// is opcode-specific: sometimes a target-memory pointer+length for a
// following SendBulk/RecvBulk, sometimes a pair of plain integer
// arguments), and any trailing payload bytes (e.g. a filename string for
// OPEN/CREAT).
type Command struct {
	Tag     string
	Addr    uint32
	Size    uint32
	Payload []byte
}
