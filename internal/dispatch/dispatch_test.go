package dispatch

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jpeach/dctool/internal/gdbrelay"
	"github.com/jpeach/dctool/internal/logging"
	"github.com/jpeach/dctool/internal/transport"
)

// fakeTransport records every SendCommand/SendBulk/RecvBulk call so
// tests can assert on the RETV/result-struct traffic a Dispatch call
// produces, without a real socket or port.
type fakeTransport struct {
	commands []fakeCommand
	bulk     []fakeBulk
	sent     [][]byte
	recvData map[uint32][]byte // canned RecvBulk responses keyed by addr
	seq      int
}

type fakeCommand struct {
	tag        string
	addr, size uint32
	data       []byte
	seq        int
}

// fakeBulk records one SendBulk call; seq interleaves with fakeCommand's
// seq so a test can assert a bulk transfer happened before its RETV.
type fakeBulk struct {
	addr uint32
	data []byte
	seq  int
}

func (f *fakeTransport) SendBulk(data []byte, dcaddr uint32) error {
	f.seq++
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.bulk = append(f.bulk, fakeBulk{addr: dcaddr, data: append([]byte(nil), data...), seq: f.seq})
	return nil
}

func (f *fakeTransport) RecvBulk(dcaddr uint32, dst []byte, quiet bool) error {
	if data, ok := f.recvData[dcaddr]; ok {
		copy(dst, data)
	}
	return nil
}

func (f *fakeTransport) SendCommand(tag string, addr, size uint32, data []byte) error {
	f.seq++
	f.commands = append(f.commands, fakeCommand{tag: tag, addr: addr, size: size, data: append([]byte(nil), data...), seq: f.seq})
	return nil
}

func (f *fakeTransport) Execute(entry uint32, console, cdfs bool) error { return nil }
func (f *fakeTransport) ServeOne(timeout time.Duration) (transport.Command, bool, error) {
	return transport.Command{}, false, nil
}
func (f *fakeTransport) Close() error { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

func newTestDispatcher() (*Dispatcher, *fakeTransport) {
	ft := &fakeTransport{recvData: make(map[uint32][]byte)}
	d := New(ft, binary.BigEndian, logging.Default(), nil)
	return d, ft
}

func TestOpenFlagMappingCombinations(t *testing.T) {
	tests := []struct {
		bits uint32
		want int
	}{
		{0, os.O_RDONLY},
		{flagWronly, os.O_WRONLY},
		{flagRDWR, os.O_RDWR},
		{flagWronly | flagAppend, os.O_WRONLY | os.O_APPEND},
		{flagRDWR | flagCreat | flagTrunc, os.O_RDWR | os.O_CREATE | os.O_TRUNC},
		{flagWronly | flagCreat | flagExcl, os.O_WRONLY | os.O_CREATE | os.O_EXCL},
	}
	for _, tt := range tests {
		if got := translateOpenFlags(tt.bits); got != tt.want {
			t.Errorf("translateOpenFlags(%#x) = %#x, want %#x", tt.bits, got, tt.want)
		}
	}
}

func TestOpendirMissingThenReaddirZero(t *testing.T) {
	// spec.md §8 scenario 5: opendir("/missing") returns handle 0;
	// readdir(0) must not panic and must report failure.
	d, ft := newTestDispatcher()

	if err := d.Dispatch(transport.Command{Tag: "DC16", Payload: []byte("/definitely/missing/path")}); err != nil {
		t.Fatalf("Dispatch(OPENDIR): %v", err)
	}
	if len(ft.commands) != 1 || ft.commands[0].tag != "RETV" || ft.commands[0].addr != 0 {
		t.Fatalf("OPENDIR on a missing path should RETV 0, got %+v", ft.commands)
	}

	if err := d.Dispatch(transport.Command{Tag: "DC17", Addr: 0, Size: 0x9000}); err != nil {
		t.Fatalf("Dispatch(READDIR) on handle 0: %v", err)
	}
	last := ft.commands[len(ft.commands)-1]
	if last.tag != "RETV" || last.addr != 0 {
		t.Errorf("READDIR(0) should RETV 0 (exhausted/invalid), got %+v", last)
	}
}

func TestDirectoryHandleRangeAndReuse(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	d, ft := newTestDispatcher()

	if err := d.Dispatch(transport.Command{Tag: "DC16", Payload: []byte(dir)}); err != nil {
		t.Fatalf("Dispatch(OPENDIR): %v", err)
	}
	handle := ft.commands[len(ft.commands)-1].addr
	if handle < DirOffset || handle >= DirOffset+DirCapacity {
		t.Fatalf("handle %d outside [%d, %d)", handle, DirOffset, DirOffset+DirCapacity)
	}

	if err := d.Dispatch(transport.Command{Tag: "DC18", Addr: handle}); err != nil {
		t.Fatalf("Dispatch(CLOSEDIR): %v", err)
	}

	if err := d.Dispatch(transport.Command{Tag: "DC16", Payload: []byte(dir)}); err != nil {
		t.Fatalf("Dispatch(OPENDIR) second time: %v", err)
	}
	reused := ft.commands[len(ft.commands)-1].addr
	if reused != handle {
		t.Errorf("closedir then opendir should reuse the freed index: got %d, want %d", reused, handle)
	}
}

func TestRewinddirKeepsHandleValid(t *testing.T) {
	// Resolution of the §9 redesign flag: rewinddir must not null the
	// table slot; readdir after rewind must still work.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "only.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, ft := newTestDispatcher()
	if err := d.Dispatch(transport.Command{Tag: "DC16", Payload: []byte(dir)}); err != nil {
		t.Fatalf("Dispatch(OPENDIR): %v", err)
	}
	handle := ft.commands[len(ft.commands)-1].addr

	if err := d.Dispatch(transport.Command{Tag: "DC17", Addr: handle, Size: 0x9000}); err != nil {
		t.Fatalf("Dispatch(READDIR) first read: %v", err)
	}
	first := ft.commands[len(ft.commands)-1]
	if first.addr != 1 {
		t.Fatalf("first READDIR should RETV 1 (entry found), got %+v", first)
	}

	if err := d.Dispatch(transport.Command{Tag: "DC19", Addr: handle}); err != nil {
		t.Fatalf("Dispatch(REWINDDIR): %v", err)
	}
	rewound := ft.commands[len(ft.commands)-1]
	if rewound.tag != "RETV" || rewound.addr != 0 {
		t.Fatalf("REWINDDIR should RETV 0 on success, got %+v", rewound)
	}

	if err := d.Dispatch(transport.Command{Tag: "DC17", Addr: handle, Size: 0x9000}); err != nil {
		t.Fatalf("Dispatch(READDIR) after rewind: %v", err)
	}
	second := ft.commands[len(ft.commands)-1]
	if second.addr != 1 {
		t.Errorf("READDIR after REWINDDIR should find the entry again, got %+v", second)
	}
}

func TestExitEchoesCodeAsRetval(t *testing.T) {
	d, ft := newTestDispatcher()
	if err := d.Dispatch(transport.Command{Tag: "DC00", Addr: 7}); err != nil {
		t.Fatalf("Dispatch(EXIT): %v", err)
	}
	got := ft.commands[len(ft.commands)-1]
	if got.tag != "RETV" || int32(got.addr) != 7 {
		t.Errorf("EXIT(7) RETV = %+v, want addr=7", got)
	}
}

// lastBulkBeforeRetv asserts exactly one SendBulk call happened and that
// it preceded the final RETV -- the bulk-returning opcodes (spec.md
// §4.4) always ship the result structure before the retval packet.
func lastBulkBeforeRetv(t *testing.T, ft *fakeTransport) fakeBulk {
	t.Helper()
	if len(ft.bulk) != 1 {
		t.Fatalf("expected exactly one SendBulk call, got %d: %+v", len(ft.bulk), ft.bulk)
	}
	b := ft.bulk[0]
	retv := ft.commands[len(ft.commands)-1]
	if retv.tag != "RETV" {
		t.Fatalf("expected a trailing RETV, got %+v", retv)
	}
	if b.seq >= retv.seq {
		t.Fatalf("SendBulk (seq %d) should precede RETV (seq %d)", b.seq, retv.seq)
	}
	return b
}

func TestFstatSendsStatStructBeforeRetval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, ft := newTestDispatcher()
	if err := d.Dispatch(transport.Command{Tag: "DC04", Payload: []byte(path)}); err != nil {
		t.Fatalf("Dispatch(OPEN): %v", err)
	}
	fd := ft.commands[len(ft.commands)-1].addr

	if err := d.Dispatch(transport.Command{Tag: "DC01", Addr: fd, Size: 0x9000}); err != nil {
		t.Fatalf("Dispatch(FSTAT): %v", err)
	}
	b := lastBulkBeforeRetv(t, ft)
	if b.addr != 0x9000 {
		t.Errorf("FSTAT SendBulk addr = %#x, want 0x9000", b.addr)
	}
	if retv := ft.commands[len(ft.commands)-1]; int32(retv.addr) != 0 {
		t.Errorf("FSTAT RETV = %+v, want addr=0", retv)
	}
}

func TestStatSendsStatStructBeforeRetval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, ft := newTestDispatcher()
	if err := d.Dispatch(transport.Command{Tag: "DC13", Addr: 0x9100, Payload: []byte(path)}); err != nil {
		t.Fatalf("Dispatch(STAT): %v", err)
	}
	b := lastBulkBeforeRetv(t, ft)
	if b.addr != 0x9100 {
		t.Errorf("STAT SendBulk addr = %#x, want 0x9100", b.addr)
	}
	if retv := ft.commands[len(ft.commands)-1]; int32(retv.addr) != 0 {
		t.Errorf("STAT RETV = %+v, want addr=0", retv)
	}
}

func TestReadSendsBytesBeforeRetval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, ft := newTestDispatcher()
	if err := d.Dispatch(transport.Command{Tag: "DC04", Payload: []byte(path)}); err != nil {
		t.Fatalf("Dispatch(OPEN): %v", err)
	}
	fd := ft.commands[len(ft.commands)-1].addr

	fdPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(fdPayload, fd)
	if err := d.Dispatch(transport.Command{Tag: "DC03", Addr: 0x9200, Size: 5, Payload: fdPayload}); err != nil {
		t.Fatalf("Dispatch(READ): %v", err)
	}
	b := lastBulkBeforeRetv(t, ft)
	if b.addr != 0x9200 {
		t.Errorf("READ SendBulk addr = %#x, want 0x9200", b.addr)
	}
	if string(b.data) != "hello" {
		t.Errorf("READ SendBulk data = %q, want %q", b.data, "hello")
	}
	if retv := ft.commands[len(ft.commands)-1]; int32(retv.addr) != 5 {
		t.Errorf("READ RETV = %+v, want addr=5", retv)
	}
}

func TestReaddirSendsDirentBeforeRetval(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "only.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, ft := newTestDispatcher()
	if err := d.Dispatch(transport.Command{Tag: "DC16", Payload: []byte(dir)}); err != nil {
		t.Fatalf("Dispatch(OPENDIR): %v", err)
	}
	handle := ft.commands[len(ft.commands)-1].addr

	if err := d.Dispatch(transport.Command{Tag: "DC17", Addr: handle, Size: 0x9300}); err != nil {
		t.Fatalf("Dispatch(READDIR): %v", err)
	}
	b := lastBulkBeforeRetv(t, ft)
	if b.addr != 0x9300 {
		t.Errorf("READDIR SendBulk addr = %#x, want 0x9300", b.addr)
	}
	if retv := ft.commands[len(ft.commands)-1]; int32(retv.addr) != 1 {
		t.Errorf("READDIR RETV = %+v, want addr=1 (entry found)", retv)
	}
}

func TestCdfsreadSendsSectorBytesBeforeRetval(t *testing.T) {
	dir := t.TempDir()
	isoPath := filepath.Join(dir, "disc.iso")
	want := []byte("ISO-SECTOR-PAYLOAD")
	iso := make([]byte, 4096)
	copy(iso, want)
	if err := os.WriteFile(isoPath, iso, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, ft := newTestDispatcher()
	if err := d.SetISO(isoPath); err != nil {
		t.Fatalf("SetISO: %v", err)
	}

	if err := d.Dispatch(transport.Command{Tag: "DC20", Addr: 150, Size: uint32(len(want))}); err != nil {
		t.Fatalf("Dispatch(CDFSREAD): %v", err)
	}
	b := lastBulkBeforeRetv(t, ft)
	if string(b.data) != string(want) {
		t.Errorf("CDFSREAD SendBulk data = %q, want %q", b.data, want)
	}
	if retv := ft.commands[len(ft.commands)-1]; int32(retv.addr) != int32(len(want)) {
		t.Errorf("CDFSREAD RETV = %+v, want addr=%d", retv, len(want))
	}
}

// TestGdbpacketRepliesInlineNotBulk is the regression test for the bug
// where doGdbpacket shipped the GDB reply through a send_bulk handshake
// to a destination built out of in_size: GDBPACKET's reply rides inline
// in the RETV packet's trailing payload, matching dc_gdbpacket's
// send_cmd(CMD_RETVAL, retval, retval, gdb_buf, retval).
func TestGdbpacketRepliesInlineNotBulk(t *testing.T) {
	relay, err := gdbrelay.Listen(logging.Default())
	if err != nil {
		t.Fatalf("gdbrelay.Listen: %v", err)
	}
	defer relay.Close()

	clientDone := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", gdbrelay.Endpoint)
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			clientDone <- err
			return
		}
		_, err = conn.Write([]byte("OK"))
		clientDone <- err
	}()

	ft := &fakeTransport{recvData: make(map[uint32][]byte)}
	d := New(ft, binary.BigEndian, logging.Default(), relay)

	req := []byte("$g#67")
	cmd := transport.Command{Tag: "DC21", Addr: uint32(len(req)), Size: 1024, Payload: req}
	if err := d.Dispatch(cmd); err != nil {
		t.Fatalf("Dispatch(GDBPACKET): %v", err)
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("gdb client side: %v", err)
	}

	if len(ft.bulk) != 0 {
		t.Fatalf("GDBPACKET should never call SendBulk, got %+v", ft.bulk)
	}
	retv := ft.commands[len(ft.commands)-1]
	if retv.tag != "RETV" {
		t.Fatalf("expected a RETV reply, got %+v", retv)
	}
	if string(retv.data) != "OK" {
		t.Errorf("RETV payload = %q, want %q (the GDB reply bytes, inline)", retv.data, "OK")
	}
	if int32(retv.addr) != 2 || int32(retv.size) != 2 {
		t.Errorf("RETV addr/size = %d/%d, want 2/2 (retval == len(reply))", retv.addr, retv.size)
	}
}
