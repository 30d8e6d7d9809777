// Package dispatch implements the 22-opcode remote syscall dispatcher
// (spec.md §4.4): it decodes one inbound command, performs the
// corresponding host-side operation against the local filesystem, and
// replies with a RETV packet plus, for bulk-returning opcodes, a
// preceding send_bulk of the result structure.
package dispatch

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jpeach/dctool/internal/gdbrelay"
	"github.com/jpeach/dctool/internal/logging"
	"github.com/jpeach/dctool/internal/transport"
	"github.com/jpeach/dctool/internal/wire"
)

// Opcode is the syscall number carried by the "DCnn" tag.
type Opcode int

// The 22 dcload syscall opcodes (spec.md §4.4), DC00..DC21, one of which
// (BAD) is reserved.
const (
	OpExit Opcode = iota
	OpFstat
	OpWrite
	OpRead
	OpOpen
	OpClose
	OpCreat
	OpLink
	OpUnlink
	OpChdir
	OpChmod
	OpLseek
	OpTime
	OpStat
	OpUtime
	OpBad
	OpOpendir
	OpReaddir
	OpClosedir
	OpRewinddir
	OpCdfsread
	OpGdbpacket
)

func opcodeFromTag(tag string) (Opcode, error) {
	var n int
	if _, err := fmt.Sscanf(tag, "DC%02d", &n); err != nil {
		return 0, fmt.Errorf("dispatch: unrecognized command tag %q", tag)
	}
	if n < int(OpExit) || n > int(OpGdbpacket) {
		return 0, fmt.Errorf("dispatch: opcode %d out of range", n)
	}
	return Opcode(n), nil
}

// Open-flag bits the target uses, independent of host OS (spec.md §4.4).
const (
	flagWronly = 0x1
	flagRDWR   = 0x2
	flagAppend = 0x8
	flagCreat  = 0x200
	flagTrunc  = 0x400
	flagExcl   = 0x800
)

func translateOpenFlags(target uint32) int {
	flags := os.O_RDONLY
	if target&flagRDWR != 0 {
		flags = os.O_RDWR
	} else if target&flagWronly != 0 {
		flags = os.O_WRONLY
	}
	if target&flagAppend != 0 {
		flags |= os.O_APPEND
	}
	if target&flagCreat != 0 {
		flags |= os.O_CREATE
	}
	if target&flagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if target&flagExcl != 0 {
		flags |= os.O_EXCL
	}
	return flags
}

// Dispatcher holds the host-side state a running session needs to
// service syscall commands: open file descriptors, the open-directory
// table, the optional CDFS image, and the current working directory
// (Root, which starts empty so paths resolve against the process's
// working directory, and which CHDIR replaces).
type Dispatcher struct {
	xprt  transport.Transport
	order binary.ByteOrder
	log   logging.Logger
	gdb   *gdbrelay.Relay

	Root string // base directory; "" means the process cwd

	files  map[int32]*os.File
	nextFD int32

	dirs *DirTable

	iso *os.File
}

// New builds a Dispatcher. order must match the transport's wire
// endianness (binary.BigEndian for UDP, binary.LittleEndian for
// serial) since stat/dirent results are encoded the same way the
// command header arrived.
func New(xprt transport.Transport, order binary.ByteOrder, log logging.Logger, gdb *gdbrelay.Relay) *Dispatcher {
	return &Dispatcher{
		xprt:   xprt,
		order:  order,
		log:    log.With(logging.Field{Key: "component", Value: "dispatch"}),
		gdb:    gdb,
		files:  make(map[int32]*os.File),
		nextFD: 3,
		dirs:   NewDirTable(),
	}
}

// SetISO opens the CDFS image used by CDFSREAD.
func (d *Dispatcher) SetISO(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dispatch: open ISO image: %w", err)
	}
	d.iso = f
	return nil
}

func (d *Dispatcher) resolve(path string) string {
	if d.Root == "" {
		return path
	}
	return filepath.Join(d.Root, path)
}

// Dispatch handles one inbound command, performing the host operation
// and sending the RETV (plus any preceding result-struct send_bulk)
// back over xprt. A returned error is always a transport failure: host
// syscall failures are folded into the RETV's retval and never
// returned here (spec.md §7, HostSyscallFailed never terminates a
// session).
func (d *Dispatcher) Dispatch(cmd transport.Command) error {
	op, err := opcodeFromTag(cmd.Tag)
	if err != nil {
		d.log.Warn("ignoring unrecognized command", logging.Field{Key: "tag", Value: cmd.Tag})
		return nil
	}

	switch op {
	case OpExit:
		return d.reply(int32(cmd.Addr))
	case OpFstat:
		return d.doFstat(cmd)
	case OpWrite:
		return d.doWrite(cmd)
	case OpRead:
		return d.doRead(cmd)
	case OpOpen:
		return d.doOpen(cmd)
	case OpClose:
		return d.doClose(cmd)
	case OpCreat:
		return d.doCreat(cmd)
	case OpLink:
		return d.doLink(cmd)
	case OpUnlink:
		return d.doUnlink(cmd)
	case OpChdir:
		return d.doChdir(cmd)
	case OpChmod:
		return d.doChmod(cmd)
	case OpLseek:
		return d.doLseek(cmd)
	case OpTime:
		return d.reply(int32(time.Now().Unix()))
	case OpStat:
		return d.doStat(cmd)
	case OpUtime:
		return d.doUtime(cmd)
	case OpBad:
		d.log.Warn("received BAD opcode, target sent a malformed request")
		return d.reply(-1)
	case OpOpendir:
		return d.doOpendir(cmd)
	case OpReaddir:
		return d.doReaddir(cmd)
	case OpClosedir:
		return d.doClosedir(cmd)
	case OpRewinddir:
		return d.doRewinddir(cmd)
	case OpCdfsread:
		return d.doCdfsread(cmd)
	case OpGdbpacket:
		return d.doGdbpacket(cmd)
	default:
		return nil
	}
}

// reply sends the RETV(retval,retval,0,nil) packet spec.md §4.4 requires
// after every opcode.
func (d *Dispatcher) reply(retval int32) error {
	return d.xprt.SendCommand("RETV", uint32(retval), uint32(retval), nil)
}

func hostErrno(err error) int32 {
	if err == nil {
		return 0
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return -int32(errno)
		}
	}
	return -1
}

func (d *Dispatcher) doOpen(cmd transport.Command) error {
	path := string(cmd.Payload)
	flags := translateOpenFlags(cmd.Addr)
	mode := os.FileMode(cmd.Size & 0o777)
	f, err := os.OpenFile(d.resolve(path), flags, mode)
	if err != nil {
		d.log.Warn("open failed", logging.Field{Key: "path", Value: path}, logging.Field{Key: "error", Value: err})
		return d.reply(hostErrno(err))
	}
	fd := d.nextFD
	d.nextFD++
	d.files[fd] = f
	return d.reply(fd)
}

func (d *Dispatcher) doCreat(cmd transport.Command) error {
	path := string(cmd.Payload)
	mode := os.FileMode(cmd.Addr & 0o777)
	f, err := os.OpenFile(d.resolve(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return d.reply(hostErrno(err))
	}
	fd := d.nextFD
	d.nextFD++
	d.files[fd] = f
	return d.reply(fd)
}

func (d *Dispatcher) doClose(cmd transport.Command) error {
	fd := int32(cmd.Addr)
	f, ok := d.files[fd]
	if !ok {
		return d.reply(-1)
	}
	err := f.Close()
	delete(d.files, fd)
	return d.reply(hostErrno(err))
}

// doWrite fetches the write buffer from target RAM (cmd.Addr/cmd.Size
// point into it) and writes it to the host fd packed into Payload.
func (d *Dispatcher) doWrite(cmd transport.Command) error {
	if len(cmd.Payload) < 4 {
		return d.reply(-1)
	}
	fd := int32(d.order.Uint32(cmd.Payload))
	f, ok := d.files[fd]
	if !ok {
		return d.reply(-1)
	}
	buf := make([]byte, cmd.Size)
	if err := d.xprt.RecvBulk(cmd.Addr, buf, true); err != nil {
		return err
	}
	n, err := f.Write(buf)
	if err != nil {
		return d.reply(hostErrno(err))
	}
	return d.reply(int32(n))
}

// doRead reads from the host fd packed into Payload and ships the bytes
// to the target buffer at cmd.Addr via SendBulk before replying with the
// byte count.
func (d *Dispatcher) doRead(cmd transport.Command) error {
	if len(cmd.Payload) < 4 {
		return d.reply(-1)
	}
	fd := int32(d.order.Uint32(cmd.Payload))
	f, ok := d.files[fd]
	if !ok {
		return d.reply(-1)
	}
	buf := make([]byte, cmd.Size)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return d.reply(hostErrno(err))
	}
	if n > 0 {
		if err := d.xprt.SendBulk(buf[:n], cmd.Addr); err != nil {
			return err
		}
	}
	return d.reply(int32(n))
}

func (d *Dispatcher) doLseek(cmd transport.Command) error {
	if len(cmd.Payload) < 4 {
		return d.reply(-1)
	}
	fd := int32(cmd.Addr)
	offset := int64(int32(cmd.Size))
	whence := int(int32(d.order.Uint32(cmd.Payload)))
	f, ok := d.files[fd]
	if !ok {
		return d.reply(-1)
	}
	pos, err := f.Seek(offset, whence)
	if err != nil {
		return d.reply(hostErrno(err))
	}
	return d.reply(int32(pos))
}

func (d *Dispatcher) doUnlink(cmd transport.Command) error {
	err := os.Remove(d.resolve(string(cmd.Payload)))
	return d.reply(hostErrno(err))
}

func (d *Dispatcher) doChdir(cmd transport.Command) error {
	path := d.resolve(string(cmd.Payload))
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return d.reply(-1)
	}
	d.Root = path
	return d.reply(0)
}

func (d *Dispatcher) doChmod(cmd transport.Command) error {
	path := d.resolve(string(cmd.Payload))
	err := os.Chmod(path, os.FileMode(cmd.Addr&0o777))
	return d.reply(hostErrno(err))
}

// doLink creates a hard link on POSIX hosts; spec.md §4.4 calls for a
// byte-for-byte copy on Windows, which this dctool build does not
// target, so the copy branch is not implemented here.
func (d *Dispatcher) doLink(cmd transport.Command) error {
	paths := splitNulPair(cmd.Payload)
	if len(paths) != 2 {
		return d.reply(-1)
	}
	err := os.Link(d.resolve(paths[0]), d.resolve(paths[1]))
	return d.reply(hostErrno(err))
}

func splitNulPair(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}

func (d *Dispatcher) doUtime(cmd transport.Command) error {
	path := d.resolve(string(cmd.Payload))
	atime := time.Unix(int64(cmd.Addr), 0)
	mtime := time.Unix(int64(cmd.Size), 0)
	err := os.Chtimes(path, atime, mtime)
	return d.reply(hostErrno(err))
}

// doStat and doFstat populate a wire.Stat and send it to the target
// address the request carries, ahead of the RETV.
func (d *Dispatcher) doStat(cmd transport.Command) error {
	path := d.resolve(string(cmd.Payload))
	info, err := os.Stat(path)
	if err != nil {
		return d.reply(hostErrno(err))
	}
	st := statFromFileInfo(info)
	if err := d.xprt.SendBulk(st.Encode(d.order), cmd.Addr); err != nil {
		return err
	}
	return d.reply(0)
}

func (d *Dispatcher) doFstat(cmd transport.Command) error {
	fd := int32(cmd.Addr)
	f, ok := d.files[fd]
	if !ok {
		return d.reply(-1)
	}
	info, err := f.Stat()
	if err != nil {
		return d.reply(hostErrno(err))
	}
	st := statFromFileInfo(info)
	if err := d.xprt.SendBulk(st.Encode(d.order), cmd.Size); err != nil {
		return err
	}
	return d.reply(0)
}

func statFromFileInfo(info os.FileInfo) wire.Stat {
	st := wire.Stat{
		Mode:  uint32(info.Mode()),
		Size:  uint32(info.Size()),
		Mtime: uint32(info.ModTime().Unix()),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.Dev = uint32(sys.Dev)
		st.Ino = uint32(sys.Ino)
		st.Nlink = uint32(sys.Nlink)
		st.Uid = sys.Uid
		st.Gid = sys.Gid
		st.Rdev = uint32(sys.Rdev)
		st.Blksize = uint32(sys.Blksize)
		st.Blocks = uint32(sys.Blocks)
		st.Atime = uint32(sys.Atim.Sec)
		st.Ctime = uint32(sys.Ctim.Sec)
	}
	return st
}

func (d *Dispatcher) doOpendir(cmd transport.Command) error {
	path := d.resolve(string(cmd.Payload))
	entries, err := os.ReadDir(path)
	if err != nil {
		return d.reply(0) // 0 == open failed, spec.md §3
	}
	handle := d.dirs.Open(entries)
	return d.reply(int32(handle))
}

func (d *Dispatcher) doReaddir(cmd transport.Command) error {
	handle := int(cmd.Addr)
	entry, ok := d.dirs.Next(handle)
	if !ok {
		return d.reply(0)
	}
	de := wire.Dirent{
		Reclen: uint32(16 + wire.MaxNameLen),
		Type:   direntType(entry),
		Name:   entry.Name(),
	}
	if err := d.xprt.SendBulk(de.Encode(d.order), cmd.Size); err != nil {
		return err
	}
	return d.reply(1)
}

func direntType(e os.DirEntry) uint32 {
	if e.IsDir() {
		return 4 // DT_DIR
	}
	return 8 // DT_REG
}

func (d *Dispatcher) doClosedir(cmd transport.Command) error {
	ok := d.dirs.Close(int(cmd.Addr))
	if !ok {
		return d.reply(-1)
	}
	return d.reply(0)
}

// doRewinddir resets the directory cursor without invalidating the
// handle -- POSIX rewinddir() semantics, per DESIGN.md's resolution
// of the §9 redesign flag (the handle stays valid for further readdir
// calls, unlike the legacy dc-tool which nulled the table slot).
func (d *Dispatcher) doRewinddir(cmd transport.Command) error {
	ok := d.dirs.Rewind(int(cmd.Addr))
	if !ok {
		return d.reply(-1)
	}
	return d.reply(0)
}

// doCdfsread seeks to (lba-150)*2048 in the open ISO image and streams
// count bytes back via SendBulk.
func (d *Dispatcher) doCdfsread(cmd transport.Command) error {
	if d.iso == nil {
		return d.reply(-1)
	}
	lba := int64(int32(cmd.Addr)) - 150
	offset := lba * isoSectorSize
	buf := make([]byte, cmd.Size)
	n, err := d.iso.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return d.reply(-1)
	}
	if n > 0 {
		if err := d.xprt.SendBulk(buf[:n], cmd.Addr); err != nil {
			return err
		}
	}
	return d.reply(int32(n))
}

const isoSectorSize = 2048

// doGdbpacket forwards in_bytes to the attached GDB client (if
// in_size>0) and returns up to min(out_size,1024) bytes of its reply.
func (d *Dispatcher) doGdbpacket(cmd transport.Command) error {
	if d.gdb == nil {
		return d.reply(-1)
	}
	inSize := cmd.Addr
	outSize := cmd.Size
	if inSize > 0 && len(cmd.Payload) > 0 {
		if err := d.gdb.Forward(cmd.Payload); err != nil {
			d.log.Warn("gdb forward failed", logging.Field{Key: "error", Value: err})
		}
	}
	if outSize == 0 {
		return d.reply(0)
	}
	want := int(outSize)
	if want > 1024 {
		want = 1024
	}
	resp, err := d.gdb.Read(want)
	if err != nil {
		return d.reply(0)
	}
	retval := int32(len(resp))
	return d.xprt.SendCommand("RETV", uint32(retval), uint32(retval), resp)
}
