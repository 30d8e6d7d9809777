// Package cli turns os.Args-shaped input into a session.Config, mirroring
// the legacy dc-tool's ip|serial OPTIONS... calling convention
// (SPEC_FULL.md §4.7) and the teacher's testable
// flag.NewFlagSet-against-an-io.Writer shape.
package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/jpeach/dctool/internal/loader"
	"github.com/jpeach/dctool/internal/session"
)

// UsageError reports a CLI mistake (bad flag combination, missing
// required value): printed and exits nonzero, never a transport or host
// failure (spec.md §7).
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}

// UsageErrorf builds a UsageError for callers outside this package (the
// main subcommand switch) that need the same exit-nonzero-not-a-fault
// treatment as a bad flag combination.
func UsageErrorf(format string, args ...any) error {
	return usagef(format, args...)
}

// IPOptions carries the UDP-specific flags ParseIP extracted on top of
// the common session.Config.
type IPOptions struct {
	Target string // -t ip
}

// SerialOptions carries the serial-specific flags ParseSerial extracted.
type SerialOptions struct {
	Device       string // -t device
	Baud         int    // -b
	SpeedHack    bool   // -e
	ExternalClk  bool   // -E
	DumbTerminal bool   // -p
}

func commonFlags(fs *flag.FlagSet) (x, u, d *string, a, s *uint, n, q, g *bool, c, i *string) {
	x = fs.String("x", "", "upload and execute `file`")
	u = fs.String("u", "", "upload `file`")
	d = fs.String("d", "", "download to `file`")
	a = fs.Uint("a", uint(loader.DefaultLoadAddress), "target `address`")
	s = fs.Uint("s", 0, "transfer `size` in bytes (required for -d)")
	n = fs.Bool("n", false, "disable console/fileserver")
	q = fs.Bool("q", false, "quiet download (suppress target screen clear)")
	g = fs.Bool("g", false, "start GDB listener on 127.0.0.1:2159")
	c = fs.String("c", "", "chroot to `path` before serving (POSIX only)")
	i = fs.String("i", "", "enable CDFS redirection using `iso`")
	return
}

// resolveMode enforces the mutually-exclusive x/u/d/(reboot) rule and
// returns the selected mode plus its file argument.
func resolveMode(x, u, d string, reboot bool) (session.Mode, string, error) {
	set := 0
	if x != "" {
		set++
	}
	if u != "" {
		set++
	}
	if d != "" {
		set++
	}
	if reboot {
		set++
	}
	if set == 0 {
		return 0, "", usagef("exactly one of -x, -u, -d, -r is required")
	}
	if set > 1 {
		return 0, "", usagef("-x, -u, -d, and -r are mutually exclusive")
	}
	switch {
	case x != "":
		return session.ModeUploadExecute, x, nil
	case u != "":
		return session.ModeUpload, u, nil
	case d != "":
		return session.ModeDownload, d, nil
	default:
		return session.ModeReboot, "", nil
	}
}

// ParseIP parses `dctool ip OPTIONS...`.
func ParseIP(args []string, out io.Writer) (session.Config, IPOptions, error) {
	fs := flag.NewFlagSet("dctool ip", flag.ContinueOnError)
	fs.SetOutput(out)

	x, u, d, a, s, n, q, g, c, i := commonFlags(fs)
	target := fs.String("t", "", "target `ip`")
	reboot := fs.Bool("r", false, "send reboot command")

	if err := fs.Parse(args); err != nil {
		return session.Config{}, IPOptions{}, err
	}
	if *target == "" {
		return session.Config{}, IPOptions{}, usagef("-t ip is required")
	}

	mode, file, err := resolveMode(*x, *u, *d, *reboot)
	if err != nil {
		return session.Config{}, IPOptions{}, err
	}
	if mode == session.ModeDownload && *s == 0 {
		return session.Config{}, IPOptions{}, usagef("-d requires -s size")
	}

	cfg := session.Config{
		Mode:    mode,
		File:    file,
		Address: uint32(*a),
		Size:    uint32(*s),
		Console: !*n,
		CDFS:    *i != "",
		ISOPath: *i,
		Quiet:   *q,
		Chroot:  *c,
		GDB:     *g,
	}
	return cfg, IPOptions{Target: *target}, nil
}

// ParseSerial parses `dctool serial OPTIONS...`.
func ParseSerial(args []string, out io.Writer) (session.Config, SerialOptions, error) {
	fs := flag.NewFlagSet("dctool serial", flag.ContinueOnError)
	fs.SetOutput(out)

	x, u, d, a, s, n, q, g, c, i := commonFlags(fs)
	device := fs.String("t", "", "serial `device`")
	baud := fs.Int("b", 57600, "baud `rate`")
	speedHack := fs.Bool("e", false, "speed hack for 115200")
	extClock := fs.Bool("E", false, "external clock (accepted; the serial transport does not apply it)")
	dumb := fs.Bool("p", false, "dumb terminal instead of console")

	if err := fs.Parse(args); err != nil {
		return session.Config{}, SerialOptions{}, err
	}
	if *device == "" {
		return session.Config{}, SerialOptions{}, usagef("-t device is required")
	}

	mode, file, err := resolveMode(*x, *u, *d, false)
	if err != nil {
		return session.Config{}, SerialOptions{}, err
	}
	if mode == session.ModeDownload && *s == 0 {
		return session.Config{}, SerialOptions{}, usagef("-d requires -s size")
	}
	if *dumb {
		fmt.Fprintln(out, "dumb terminal mode is not implemented; use a terminal emulator")
	}

	cfg := session.Config{
		Mode:    mode,
		File:    file,
		Address: uint32(*a),
		Size:    uint32(*s),
		Console: !*n,
		CDFS:    *i != "",
		ISOPath: *i,
		Quiet:   *q,
		Chroot:  *c,
		GDB:     *g,
	}
	return cfg, SerialOptions{
		Device:       *device,
		Baud:         *baud,
		SpeedHack:    *speedHack,
		ExternalClk:  *extClock,
		DumbTerminal: *dumb,
	}, nil
}
