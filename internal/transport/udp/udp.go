// Package udp implements the UDP-ethernet dcload transport: 1-KiB chunked
// bulk transfer with a bitmap-driven hole-filling retransmit loop, and
// 12-byte command packets. All wire integers are big-endian.
package udp

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/jpeach/dctool/internal/bitmap"
	"github.com/jpeach/dctool/internal/logging"
	"github.com/jpeach/dctool/internal/transport"
	"github.com/jpeach/dctool/internal/wire"
)

// TargetPort is the fixed UDP port dcload listens on (spec.md §6).
const TargetPort = 31313

// Config configures the UDP transport. PacketTimeout and IdlePoll are
// fields, not constants, so tests can shrink them rather than wait out
// the real dcload timing budget.
type Config struct {
	Host          string
	PacketTimeout time.Duration // default 250ms, matches IP_XPRT_PACKET_TIMEOUT
	IdlePoll      time.Duration // default 500ms, the serve-loop idle sleep
	Logger        logging.Logger
}

func (c *Config) setDefaults() {
	if c.PacketTimeout <= 0 {
		c.PacketTimeout = 250 * time.Millisecond
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Transport implements transport.Transport over a connected UDP socket.
type Transport struct {
	conn net.Conn
	cfg  Config
	log  logging.Logger
}

// Dial opens the UDP socket to host's dcload listener (port TargetPort),
// retrying transient resolve/dial failures with a bounded exponential
// backoff -- the target's Ethernet stack or DHCP lease may still be
// settling right after a cold boot.
func Dial(cfg Config) (*Transport, error) {
	cfg.setDefaults()

	var conn net.Conn
	op := func() error {
		c, err := net.DialTimeout("udp", fmt.Sprintf("%s:%d", cfg.Host, TargetPort), 2*time.Second)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("udp: %w: dial %s: %v", transport.ErrFatal, cfg.Host, err)
	}

	return &Transport{conn: conn, cfg: cfg, log: cfg.Logger.With(logging.Field{Key: "transport", Value: "udp"})}, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

// SendCommand assembles and sends one 12+len(data) byte frame without
// waiting for a reply, per spec.md §4.1.
func (t *Transport) SendCommand(tag string, addr, size uint32, data []byte) error {
	h := wire.Header{Tag: wire.NewTag(tag), Address: addr, Size: size}
	buf := append(h.Encode(), data...)
	_, err := t.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil // would-block equivalent: retried by the caller
		}
		return fmt.Errorf("udp: %w: send %s: %v", transport.ErrFatal, tag, err)
	}
	return nil
}

// recvPacket polls for one inbound datagram within timeout, returning
// transport.ErrFatal only on an unrecoverable socket error; a plain
// deadline-exceeded error means "nothing arrived, try again" (internal
// TransportRetry, per spec.md §7) and is not wrapped.
func (t *Transport) recvPacket(buf []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("udp: %w: set deadline: %v", transport.ErrFatal, err)
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, errRetry
		}
		return 0, fmt.Errorf("udp: %w: recv: %v", transport.ErrFatal, err)
	}
	return n, nil
}

var errRetry = fmt.Errorf("udp: no packet within deadline")

// SendBulk implements the send_data algorithm of spec.md §4.1: LBIN,
// then 1-KiB PBIN chunks (with the periodic FIFO-drain pause), then
// DBIN, retransmitting exactly the still-missing window(s) the target
// reports until its DBIN reply carries size==0.
func (t *Transport) SendBulk(data []byte, dcaddr uint32) error {
	if len(data) == 0 {
		return fmt.Errorf("udp: SendBulk: empty payload refused")
	}

	buf := make([]byte, 2048)

	if err := t.sendUntilEcho(wire.TagLBin.String(), dcaddr, uint32(len(data)), nil, buf); err != nil {
		return err
	}

	base := dcaddr
	count := 0
	for off := 0; off < len(data); off += wire.ChunkSize {
		end := off + wire.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if err := t.SendCommand(wire.TagPBin.String(), base+uint32(off), uint32(len(chunk)), chunk); err != nil {
			return err
		}
		count++
		if count == 15 {
			time.Sleep(t.cfg.PacketTimeout / 51)
			count = 0
		}
	}

	time.Sleep(t.cfg.PacketTimeout / 10)

	if err := t.sendUntilEcho(wire.TagDBin.String(), 0, 0, nil, buf); err != nil {
		return err
	}

	for {
		h, err := wire.DecodeHeader(buf)
		if err != nil {
			return fmt.Errorf("udp: SendBulk: %w", err)
		}
		if h.Size == 0 {
			return nil
		}
		// Target reports the next missing window; retransmit just that
		// slice and re-issue DBIN.
		missOff := h.Address - base
		if int(missOff) > len(data) {
			return fmt.Errorf("udp: SendBulk: target requested out-of-range window at 0x%x", h.Address)
		}
		end := missOff + h.Size
		if int(end) > len(data) {
			end = uint32(len(data))
		}
		if err := t.SendCommand(wire.TagPBin.String(), h.Address, end-missOff, data[missOff:end]); err != nil {
			return err
		}
		if err := t.sendUntilEcho(wire.TagDBin.String(), 0, 0, nil, buf); err != nil {
			return err
		}
	}
}

// sendUntilEcho sends tag repeatedly until a reply matching tag is
// received, mirroring send_data's `do { send } while (recv == -1)` /
// `while (memcmp(...))` retry loops.
func (t *Transport) sendUntilEcho(tag string, addr, size uint32, data, buf []byte) error {
	for {
		if err := t.SendCommand(tag, addr, size, data); err != nil {
			return err
		}
		n, err := t.recvPacket(buf, t.cfg.PacketTimeout)
		if err == errRetry {
			continue
		}
		if err != nil {
			return err
		}
		h, derr := wire.DecodeHeader(buf[:n])
		if derr != nil || h.Tag.String() != tag {
			continue
		}
		return nil
	}
}

// RecvBulk implements the recv_data algorithm of spec.md §4.1: issue
// SBIN/SBINQ, populate the coverage bitmap from unsolicited PBIN-shaped
// datagrams until the deadline elapses, then sweep any unset slots with
// targeted SBINQ requests until the bitmap saturates.
func (t *Transport) RecvBulk(dcaddr uint32, dst []byte, quiet bool) error {
	total := len(dst)
	bm := bitmap.New(total)

	tag := wire.TagSBin.String()
	if quiet {
		tag = wire.TagSBinQ.String()
	}
	if err := t.SendCommand(tag, dcaddr, uint32(total), nil); err != nil {
		return err
	}

	buf := make([]byte, wire.HeaderSize+wire.ChunkSize+1)
	deadline := time.Now().Add(t.cfg.PacketTimeout)
	for time.Now().Before(deadline) {
		n, err := t.recvPacket(buf, time.Until(deadline))
		if err == errRetry {
			break
		}
		if err != nil {
			return err
		}
		t.applyChunk(buf[:n], dcaddr, dst, bm)
		deadline = time.Now().Add(t.cfg.PacketTimeout)
	}

	for !bm.Complete() {
		slot := bm.NextMissing()
		size := bm.SlotSize(slot)
		addr := dcaddr + uint32(slot*wire.ChunkSize)
		if err := t.SendCommand(wire.TagSBinQ.String(), addr, uint32(size), nil); err != nil {
			return err
		}
		n, err := t.recvPacket(buf, t.cfg.PacketTimeout)
		if err != nil && err != errRetry {
			return err
		}
		if err == nil {
			t.applyChunk(buf[:n], dcaddr, dst, bm)
			// Drain the DBIN terminator the target sends after the chunk.
			if n2, err2 := t.recvPacket(buf, t.cfg.PacketTimeout); err2 == nil {
				_ = n2
			}
		}
	}

	return nil
}

// applyChunk copies one unsolicited PBIN-shaped datagram into dst and
// marks its bitmap slot, discarding anything whose computed slot is out
// of range (ProtocolCorrupt, per spec.md §7).
func (t *Transport) applyChunk(buf []byte, dcaddr uint32, dst []byte, bm *bitmap.Bitmap) {
	h, err := wire.DecodeHeader(buf)
	if err != nil {
		return
	}
	if h.Tag == wire.TagDBin {
		return
	}
	slot := int((h.Address - dcaddr) / wire.ChunkSize)
	if !bm.InRange(slot) {
		t.log.Warn("discarding out-of-range bulk chunk", logging.Field{Key: "address", Value: h.Address}, logging.Field{Key: "slot", Value: slot})
		return
	}
	payload := buf[wire.HeaderSize:]
	size := int(h.Size)
	if size > len(payload) {
		size = len(payload)
	}
	off := int(h.Address - dcaddr)
	if off+size > len(dst) {
		size = len(dst) - off
	}
	if size <= 0 || off < 0 {
		return
	}
	copy(dst[off:off+size], payload[:size])
	bm.Set(slot)
}

// Execute sends the EXECUTE command (entry, (cdfs<<1)|console) and waits
// for an acknowledging reply, per spec.md §4.6.
func (t *Transport) Execute(entry uint32, console, cdfs bool) error {
	arg := uint32(0)
	if console {
		arg |= 1
	}
	if cdfs {
		arg |= 2
	}
	buf := make([]byte, 2048)
	return t.sendUntilEcho(wire.TagExec.String(), entry, arg, nil, buf)
}

// ServeOne blocks for one inbound command frame, sleeping cfg.IdlePoll
// between polls, matching ip_xprt_dispatch_commands's poll-then-sleep
// loop. Returns ok=false on a timed-out poll so the caller can check for
// cancellation.
func (t *Transport) ServeOne(timeout time.Duration) (transport.Command, bool, error) {
	buf := make([]byte, 2048)
	n, err := t.recvPacket(buf, timeout)
	if err == errRetry {
		time.Sleep(t.cfg.IdlePoll)
		return transport.Command{}, false, nil
	}
	if err != nil {
		return transport.Command{}, false, err
	}
	h, derr := wire.DecodeHeader(buf[:n])
	if derr != nil {
		return transport.Command{}, false, nil
	}
	payload := append([]byte(nil), buf[wire.HeaderSize:n]...)
	return transport.Command{Tag: h.Tag.String(), Addr: h.Address, Size: h.Size, Payload: payload}, true, nil
}

var _ transport.Transport = (*Transport)(nil)
