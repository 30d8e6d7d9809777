package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/jpeach/dctool/internal/cli"
	"github.com/jpeach/dctool/internal/logging"
	"github.com/jpeach/dctool/internal/session"
	"github.com/jpeach/dctool/internal/transport"
	"github.com/jpeach/dctool/internal/transport/serial"
	"github.com/jpeach/dctool/internal/transport/udp"
)

// dialUDP and openSerial are package variables, not direct calls, so
// tests can substitute a fake transport without opening a real socket
// or port.
var dialUDP = func(cfg udp.Config) (transport.Transport, error) { return udp.Dial(cfg) }
var openSerial = func(cfg serial.Config) (transport.Transport, error) { return serial.Open(cfg) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, getenv func(string) string) error {
	log := newLogger(getenv)

	if len(args) == 0 {
		return cli.UsageErrorf("usage: dctool <ip|serial> OPTIONS...")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "ip":
		cfg, opts, err := cli.ParseIP(rest, out)
		if err != nil {
			return err
		}
		xprt, err := dialUDP(udp.Config{Host: opts.Target, Logger: log})
		if err != nil {
			return fmt.Errorf("dial %s: %w", opts.Target, err)
		}
		defer xprt.Close()
		return session.New(cfg, xprt, log).Run(ctx)
	case "serial":
		cfg, opts, err := cli.ParseSerial(rest, out)
		if err != nil {
			return err
		}
		baud := opts.Baud
		if opts.SpeedHack && baud == 115200 {
			baud = serial.FastBaud
		}
		xprt, err := openSerial(serial.Config{Device: opts.Device, Baud: baud, Logger: log})
		if err != nil {
			return fmt.Errorf("open %s: %w", opts.Device, err)
		}
		defer xprt.Close()
		return session.New(cfg, xprt, log).Run(ctx)
	default:
		return cli.UsageErrorf("unknown subcommand %q: expected ip or serial", sub)
	}
}

// newLogger builds the process-wide logger from DCTOOL_LOG_LEVEL and
// DCTOOL_LOG_FORMAT, falling back to info-level text on stderr.
func newLogger(getenv func(string) string) logging.Logger {
	level, err := logging.ParseLevel(getenv("DCTOOL_LOG_LEVEL"))
	if err != nil {
		level = logging.Info
	}
	format, err := logging.ParseFormat(getenv("DCTOOL_LOG_FORMAT"))
	if err != nil {
		format = logging.Text
	}
	l := logging.New(level, format, os.Stderr)
	logging.SetDefault(l)
	return l
}
