// Package gdbrelay shuttles GDB remote-protocol bytes between a local
// TCP client (a debugger) and the target, which only ever speaks to the
// host through the GDBPACKET syscall. It owns the listen socket and the
// single lazily-accepted client connection (spec.md §4.5).
package gdbrelay

import (
	"net"
	"time"

	"github.com/jpeach/dctool/internal/logging"
)

// Endpoint is the fixed local address GDB clients attach to.
const Endpoint = "127.0.0.1:2159"

// terminatePacket is sent to the attached client when the session ends,
// GDB's "process terminated with signal 15" encoding.
var terminatePacket = []byte("+$X0f#ee")

// Relay owns the listen socket and the single accepted GDB client.
type Relay struct {
	ln   net.Listener
	conn net.Conn
	log  logging.Logger
}

// Listen opens the TCP listen socket. The client is accepted lazily on
// the first Forward/Read call, not here.
func Listen(log logging.Logger) (*Relay, error) {
	ln, err := net.Listen("tcp", Endpoint)
	if err != nil {
		return nil, err
	}
	return &Relay{ln: ln, log: log.With(logging.Field{Key: "component", Value: "gdbrelay"})}, nil
}

func (r *Relay) ensureClient() error {
	if r.conn != nil {
		return nil
	}
	conn, err := r.ln.Accept()
	if err != nil {
		return err
	}
	r.log.Info("gdb client attached", logging.Field{Key: "remote", Value: conn.RemoteAddr().String()})
	r.conn = conn
	return nil
}

// Forward writes in_bytes to the attached client, accepting one first
// if none is attached yet.
func (r *Relay) Forward(data []byte) error {
	if err := r.ensureClient(); err != nil {
		return err
	}
	_, err := r.conn.Write(data)
	return err
}

// Read reads up to max bytes from the attached client. A zero-length
// read is treated as disconnect: the client connection is invalidated
// so the next call blocks on Accept again, per spec.md §4.5.
func (r *Relay) Read(max int) ([]byte, error) {
	if err := r.ensureClient(); err != nil {
		return nil, err
	}
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, max)
	n, err := r.conn.Read(buf)
	if n == 0 {
		r.conn.Close()
		r.conn = nil
		return nil, err
	}
	return buf[:n], nil
}

// Close sends the terminate packet to any attached client and closes
// both the client connection and the listen socket.
func (r *Relay) Close() error {
	if r.conn != nil {
		r.conn.Write(terminatePacket)
		r.conn.Close()
		r.conn = nil
	}
	return r.ln.Close()
}
