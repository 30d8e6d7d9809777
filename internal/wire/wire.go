// Package wire defines the on-the-wire shapes shared by the UDP and serial
// transports: the 12-byte UDP command header, the command tags, and the
// target-visible stat/dirent struct layouts. Endianness is fixed per
// transport (UDP big-endian, serial little-endian) and never leaks host
// endianness into the protocol, per the dualism this package exists to
// contain.
package wire

import "encoding/binary"

// Tag is a 4-byte ASCII command code, as carried in the first four bytes
// of every UDP command packet (and used as the keys of the serial opcode
// table's symbolic names).
type Tag [4]byte

func NewTag(s string) Tag {
	var t Tag
	copy(t[:], s)
	return t
}

func (t Tag) String() string { return string(t[:]) }

// Command tags (spec.md §6).
var (
	TagExec  = NewTag("EXEC")
	TagLBin  = NewTag("LBIN")
	TagPBin  = NewTag("PBIN")
	TagDBin  = NewTag("DBIN")
	TagSBin  = NewTag("SBIN")
	TagSBinQ = NewTag("SBIQ")
	TagRetv  = NewTag("RETV")
	TagRBoot = NewTag("RBOT")
	TagVers  = NewTag("VERS")
)

// Syscall opcode tags, DC00..DC21 in spec.md's numbering.
var (
	TagExit       = NewTag("DC00")
	TagFstat      = NewTag("DC01")
	TagWrite      = NewTag("DC02")
	TagRead       = NewTag("DC03")
	TagOpen       = NewTag("DC04")
	TagClose      = NewTag("DC05")
	TagCreat      = NewTag("DC06")
	TagLink       = NewTag("DC07")
	TagUnlink     = NewTag("DC08")
	TagChdir      = NewTag("DC09")
	TagChmod      = NewTag("DC10")
	TagLseek      = NewTag("DC11")
	TagTime       = NewTag("DC12")
	TagStat       = NewTag("DC13")
	TagUtime      = NewTag("DC14")
	TagBad        = NewTag("DC15")
	TagOpendir    = NewTag("DC16")
	TagReaddir    = NewTag("DC17")
	TagClosedir   = NewTag("DC18")
	TagRewinddir  = NewTag("DC19")
	TagCdfsread   = NewTag("DC20")
	TagGdbpacket  = NewTag("DC21")
)

// HeaderSize is the fixed size of a UDP command packet header.
const HeaderSize = 12

// ChunkSize is the fixed UDP bulk-transfer chunk size.
const ChunkSize = 1024

// Header is the 12-byte UDP command packet header.
type Header struct {
	Tag     Tag
	Address uint32
	Size    uint32
}

// Encode renders the header in the UDP wire's big-endian order.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Tag[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Address)
	binary.BigEndian.PutUint32(buf[8:12], h.Size)
	return buf
}

// DecodeHeader parses a 12-byte UDP command packet header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errShortHeader
	}
	var h Header
	copy(h.Tag[:], buf[0:4])
	h.Address = binary.BigEndian.Uint32(buf[4:8])
	h.Size = binary.BigEndian.Uint32(buf[8:12])
	return h, nil
}

var errShortHeader = shortHeaderError{}

type shortHeaderError struct{}

func (shortHeaderError) Error() string { return "wire: packet shorter than 12-byte header" }

// Stat is the target-visible stat/fstat struct, 13 x uint32, encoded
// big-endian on UDP and little-endian on serial (see Stat.Encode). Hosts
// without st_blksize/st_blocks (Windows) send zero for those fields.
type Stat struct {
	Dev     uint32
	Ino     uint32
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint32
	Size    uint32
	Blksize uint32
	Blocks  uint32
	Atime   uint32
	Mtime   uint32
	Ctime   uint32
}

// StatSize is the encoded size of Stat: 13 uint32 fields.
const StatSize = 13 * 4

// Encode renders the stat struct in the given byte order.
func (s Stat) Encode(order binary.ByteOrder) []byte {
	buf := make([]byte, StatSize)
	fields := []uint32{
		s.Dev, s.Ino, s.Mode, s.Nlink, s.Uid, s.Gid, s.Rdev, s.Size,
		s.Blksize, s.Blocks, s.Atime, s.Mtime, s.Ctime,
	}
	for i, v := range fields {
		order.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

// Dirent is the target-visible dirent struct.
type Dirent struct {
	Ino    uint32
	Off    uint32
	Reclen uint32
	Type   uint32
	Name   string // NUL-terminated on the wire, max 255 bytes of name
}

// MaxNameLen bounds Dirent.Name the way the original dcload_dirent_t's
// fixed d_name array does.
const MaxNameLen = 256

// Encode renders the dirent in the given byte order, NUL-terminated and
// padded to MaxNameLen bytes for the name field.
func (d Dirent) Encode(order binary.ByteOrder) []byte {
	buf := make([]byte, 16+MaxNameLen)
	order.PutUint32(buf[0:4], d.Ino)
	order.PutUint32(buf[4:8], d.Off)
	order.PutUint32(buf[8:12], d.Reclen)
	order.PutUint32(buf[12:16], d.Type)
	n := copy(buf[16:16+MaxNameLen-1], d.Name)
	buf[16+n] = 0
	return buf
}
