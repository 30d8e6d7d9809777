// Package session orchestrates one dc-tool run: upload, optional
// execute, optional download, and the serve loop that demultiplexes
// inbound syscall commands into internal/dispatch (spec.md §4.6).
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jpeach/dctool/internal/dispatch"
	"github.com/jpeach/dctool/internal/gdbrelay"
	"github.com/jpeach/dctool/internal/loader"
	"github.com/jpeach/dctool/internal/logging"
	"github.com/jpeach/dctool/internal/transport"
	"github.com/jpeach/dctool/internal/transport/serial"
)

// Mode selects which of the mutually exclusive top-level actions a run
// performs, matching the legacy -x/-u/-d/-r flags.
type Mode int

const (
	ModeUploadExecute Mode = iota
	ModeUpload
	ModeDownload
	ModeReboot
)

// Config carries every flag session needs, independent of which
// transport backs it (internal/cli builds one of these per invocation).
type Config struct {
	Mode Mode

	File    string // -x/-u/-d argument
	Address uint32 // -a, default loader.DefaultLoadAddress
	Size    uint32 // -s, required for ModeDownload

	Console bool // !-n
	CDFS    bool // -i was given
	ISOPath string
	Quiet   bool // -q
	Chroot  string
	GDB     bool // -g

	PacketTimeout time.Duration
}

// Session drives one run against an already-connected transport.
type Session struct {
	cfg  Config
	xprt transport.Transport
	log  logging.Logger
	gdb  *gdbrelay.Relay
}

// New builds a Session. xprt must already be connected/opened.
func New(cfg Config, xprt transport.Transport, log logging.Logger) *Session {
	return &Session{cfg: cfg, xprt: xprt, log: log.With(logging.Field{Key: "component", Value: "session"})}
}

// Run executes cfg.Mode to completion: it uploads and/or downloads as
// requested, then -- for the modes that leave code running on the
// target, when cfg.Console is set -- serves syscall commands until ctx
// is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.Chroot != "" {
		if err := chroot(s.cfg.Chroot); err != nil {
			return fmt.Errorf("session: chroot to %s: %w", s.cfg.Chroot, err)
		}
	}

	if s.cfg.GDB {
		relay, err := gdbrelay.Listen(s.log)
		if err != nil {
			return fmt.Errorf("session: open gdb listener: %w", err)
		}
		s.gdb = relay
		defer relay.Close()
	}

	switch s.cfg.Mode {
	case ModeReboot:
		return s.xprt.SendCommand("RBOT", 0, 0, nil)
	case ModeDownload:
		return s.download()
	case ModeUpload:
		_, err := s.upload()
		return err
	case ModeUploadExecute:
		entry, err := s.upload()
		if err != nil {
			return err
		}
		if err := s.xprt.Execute(entry, s.cfg.Console, s.cfg.CDFS); err != nil {
			return fmt.Errorf("session: execute: %w", err)
		}
		return s.serve(ctx)
	default:
		return fmt.Errorf("session: unknown mode %d", s.cfg.Mode)
	}
}

func (s *Session) upload() (uint32, error) {
	addr := s.cfg.Address
	if addr == 0 {
		addr = loader.DefaultLoadAddress
	}
	start := time.Now()
	res, err := loader.Load(s.log, s.cfg.File, addr, s.xprt.SendBulk)
	if err != nil {
		return 0, fmt.Errorf("session: upload %s: %w", s.cfg.File, err)
	}
	elapsed := time.Since(start).Seconds()
	rate := float64(res.ByteCount)
	if elapsed > 0 {
		rate /= elapsed
	}
	s.log.Info("transferred bytes",
		logging.Field{Key: "bytes", Value: res.ByteCount},
		logging.Field{Key: "bytes_per_sec", Value: rate})
	return res.Entry, nil
}

func (s *Session) download() error {
	if s.cfg.Size == 0 {
		return fmt.Errorf("session: %w: download requires -s size", ErrUsage)
	}
	f, err := os.Create(s.cfg.File)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", s.cfg.File, err)
	}
	defer f.Close()

	buf := make([]byte, s.cfg.Size)
	if err := s.xprt.RecvBulk(s.cfg.Address, buf, s.cfg.Quiet); err != nil {
		return fmt.Errorf("session: download: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("session: write %s: %w", s.cfg.File, err)
	}
	return nil
}

// serve polls the transport for inbound syscall commands, demultiplexing
// each into internal/dispatch, until ctx is cancelled. This is the
// idiomatic Go substitute for the original's "only cancellation
// primitive is process termination": tests can cancel ctx instead of
// killing the process.
func (s *Session) serve(ctx context.Context) error {
	order := dispatchOrder(s.xprt)
	d := dispatch.New(s.xprt, order, s.log, s.gdb)
	if s.cfg.ISOPath != "" {
		if err := d.SetISO(s.cfg.ISOPath); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	if s.cfg.Chroot != "" {
		if err := chroot(s.cfg.Chroot); err != nil {
			return fmt.Errorf("session: chroot to %s: %w", s.cfg.Chroot, err)
		}
	}

	timeout := s.cfg.PacketTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd, ok, err := s.xprt.ServeOne(timeout)
		if err != nil {
			return fmt.Errorf("session: serve: %w", err)
		}
		if !ok {
			continue
		}
		if cmd.Tag == "EXEC" {
			// the target's own EXEC acknowledgement loop-back; nothing to do
			continue
		}
		if err := d.Dispatch(cmd); err != nil {
			return fmt.Errorf("session: dispatch %s: %w", cmd.Tag, err)
		}
	}
}

// ErrUsage reports a CLI-visible usage mistake that isn't a transport or
// host-syscall failure (spec.md §7's UsageError).
var ErrUsage = fmt.Errorf("session: usage error")

// chroot confines the process's filesystem view to path before the
// serve loop starts handling target-driven file I/O, POSIX only
// (spec.md §6's -c flag).
func chroot(path string) error {
	if err := os.Chdir(path); err != nil {
		return err
	}
	return syscall.Chroot(".")
}

// dispatchOrder picks the wire byte order internal/dispatch must use to
// encode stat/dirent results, matching whichever transport is in play:
// big-endian on UDP, little-endian on serial.
func dispatchOrder(xprt transport.Transport) binary.ByteOrder {
	if _, ok := xprt.(*serial.Transport); ok {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
