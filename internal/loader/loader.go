// Package loader reads an ELF32 or raw binary image and drives it to the
// target through a transport.SendBulkFunc, mirroring upload()'s libelf
// branch in the original dc-tool (spec.md §4.3).
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/jpeach/dctool/internal/logging"
	"github.com/jpeach/dctool/internal/transport"
)

// DefaultLoadAddress is the address raw binaries (and the fallback path
// for unrecognized files) are uploaded to absent an explicit -a flag,
// matching the legacy tool's default.
const DefaultLoadAddress uint32 = 0x8c010000

// ErrNotExecutable reports a file that is neither a valid ELF32 image
// nor usable as a raw binary (e.g. it's empty).
var ErrNotExecutable = errors.New("loader: file is not a loadable image")

// Result describes what was uploaded: the entry point the session
// driver should hand to Execute, and the total byte count for the
// transfer-rate report.
type Result struct {
	Entry     uint32
	Address   uint32
	ByteCount int
}

// Load reads filename and uploads it via send, returning the entry
// point to execute. addr is only used for raw binaries: ELF sections are
// uploaded to their own section addresses, with no relocation (spec.md's
// Non-goals exclude linker behavior).
func Load(log logging.Logger, filename string, addr uint32, send transport.SendBulkFunc) (Result, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Result{}, fmt.Errorf("loader: open %s: %w", filename, err)
	}
	defer f.Close()

	if ef, err := elf.NewFile(f); err == nil {
		return loadELF(log, ef, send)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return Result{}, fmt.Errorf("loader: seek %s: %w", filename, err)
	}
	return loadRaw(log, f, addr, send)
}

func loadELF(log logging.Logger, ef *elf.File, send transport.SendBulkFunc) (Result, error) {
	if ef.Class != elf.ELFCLASS32 {
		return Result{}, fmt.Errorf("loader: %w: only ELF32 images are supported, got %s", ErrNotExecutable, ef.Class)
	}
	if ef.Machine != elf.EM_SH {
		log.Warn("ELF machine type is not SH, uploading anyway", logging.Field{Key: "machine", Value: ef.Machine.String()})
	}

	total := 0
	for _, sec := range ef.Sections {
		if sec.Addr == 0 || sec.Size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return Result{}, fmt.Errorf("loader: read section %s at 0x%x: %w", sec.Name, sec.Addr, err)
		}
		if len(data) == 0 {
			continue
		}
		if err := send(data, uint32(sec.Addr)); err != nil {
			return Result{}, fmt.Errorf("loader: upload section %s at 0x%x: %w", sec.Name, sec.Addr, err)
		}
		total += len(data)
	}

	return Result{Entry: uint32(ef.Entry), Address: uint32(ef.Entry), ByteCount: total}, nil
}

// loadRaw uploads the whole file verbatim to addr and treats addr as
// the entry point, matching the legacy tool's "it's not an ELF, assume
// a flat binary assembled to run from its load address" fallback.
func loadRaw(log logging.Logger, f *os.File, addr uint32, send transport.SendBulkFunc) (Result, error) {
	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("loader: stat: %w", err)
	}
	if info.Size() == 0 {
		return Result{}, fmt.Errorf("loader: %w: empty file", ErrNotExecutable)
	}

	data := make([]byte, info.Size())
	if _, err := f.Read(data); err != nil {
		return Result{}, fmt.Errorf("loader: read: %w", err)
	}

	log.Debug("uploading raw binary", logging.Field{Key: "address", Value: addr}, logging.Field{Key: "bytes", Value: len(data)})
	if err := send(data, addr); err != nil {
		return Result{}, fmt.Errorf("loader: upload: %w", err)
	}
	return Result{Entry: addr, Address: addr, ByteCount: len(data)}, nil
}
