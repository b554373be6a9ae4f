package clonewire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPath bounds the file name carried by a Descriptor. It mirrors a
// conservative filesystem path length limit; descriptors with a declared
// name_len beyond this are rejected as invalid input rather than truncated,
// since (unlike the Locator) a wrong file name is not a safely ignorable
// error.
const MaxPath = 4096

// descriptor header widths: offset(8) + flags(4) + name_len(4).
const headerSize = 8 + 4 + 4

// MaxDescriptorSize is the largest a serialised Descriptor may legally
// be: the fixed header plus a name of at most MaxPath bytes per path
// segment of a two-segment db/table relative path, plus one byte for a
// NUL some peers historically appended. This implementation does not
// NUL-terminate and bounds the whole name by MaxPath, but parses up to
// the full legal size.
const MaxDescriptorSize = headerSize + 2*MaxPath + 1

// Sentinel offset values. OffsetAppend and OffsetNoData occupy the top of
// the uint64 range so that they can never collide with a real byte offset.
const (
	sentinelAppend uint64 = ^uint64(0)     // UINT64_MAX
	sentinelNoData uint64 = ^uint64(0) - 1 // UINT64_MAX - 1
)

// OffsetKind discriminates the meaning of a Descriptor's wire offset field.
// The wire format multiplexes three meanings onto one uint64; this type
// un-mixes them so the rest of the core never compares a byte offset
// against a magic constant.
type OffsetKind int

const (
	// OffsetAppend means the payload is bytes to append at the file's
	// current write position.
	OffsetAppend OffsetKind = iota
	// OffsetNoData means this is a zero-length marker: create the file
	// (if missing) and close it, there is no payload.
	OffsetNoData
	// OffsetAtByte means begin writing at the given absolute byte offset,
	// truncating any previous content from that point on. Only offset 0
	// is emitted by this protocol version; other values are reserved.
	OffsetAtByte
)

// Offset is a discriminated union over the Descriptor's wire offset field.
// Use AppendOffset, NoDataOffset, or AtByteOffset to construct one.
type Offset struct {
	Kind OffsetKind
	At   uint64 // only meaningful when Kind == OffsetAtByte
}

// AppendOffset returns the "append at current position" offset.
func AppendOffset() Offset { return Offset{Kind: OffsetAppend} }

// NoDataOffset returns the "create, no payload" offset.
func NoDataOffset() Offset { return Offset{Kind: OffsetNoData} }

// AtByteOffset returns an offset that begins a truncating write at the
// given byte. Only 0 is emitted by this protocol version.
func AtByteOffset(at uint64) Offset { return Offset{Kind: OffsetAtByte, At: at} }

func (o Offset) wire() uint64 {
	switch o.Kind {
	case OffsetAppend:
		return sentinelAppend
	case OffsetNoData:
		return sentinelNoData
	default:
		return o.At
	}
}

func offsetFromWire(v uint64) Offset {
	switch v {
	case sentinelAppend:
		return AppendOffset()
	case sentinelNoData:
		return NoDataOffset()
	default:
		return AtByteOffset(v)
	}
}

// DescriptorFlags carries per-chunk class bits. Only bit 0 is defined:
// whether this chunk belongs to a redo-log file (transactional engine
// variant only; always clear for the common-engine variant).
type DescriptorFlags uint32

const flagRedoLog DescriptorFlags = 1 << 0

// IsRedoLog reports whether the redo-log bit is set.
func (f DescriptorFlags) IsRedoLog() bool { return f&flagRedoLog != 0 }

// WithRedoLog returns f with the redo-log bit set or cleared.
func (f DescriptorFlags) WithRedoLog(v bool) DescriptorFlags {
	if v {
		return f | flagRedoLog
	}
	return f &^ flagRedoLog
}

// Descriptor is the per-chunk header that accompanies every payload sent
// through the clone protocol: which file it targets, how to interpret the
// offset, and classification flags.
type Descriptor struct {
	Offset Offset
	Flags  DescriptorFlags
	// Name is the target file name, relative to the data directory. Only
	// the first chunk of a file carries a non-empty Name; subsequent
	// chunks of the same file carry an empty Name.
	Name string
}

// ErrNameTooLong is returned by Encode when Name exceeds MaxPath, and by
// Decode when the wire-declared name_len exceeds MaxPath.
var ErrNameTooLong = errors.New("clonewire: descriptor file name too long")

// Encode serialises d into its wire form: an 8-byte offset, 4-byte flags,
// 4-byte name length, followed by the name bytes.
func (d Descriptor) Encode() ([]byte, error) {
	if len(d.Name) > MaxPath {
		return nil, ErrNameTooLong
	}
	buf := make([]byte, headerSize+len(d.Name))
	binary.LittleEndian.PutUint64(buf[0:8], d.Offset.wire())
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Flags))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(d.Name)))
	copy(buf[headerSize:], d.Name)
	return buf, nil
}

// Decode parses a Descriptor from the wire. It validates that the declared
// name_len both fits within MaxPath and does not exceed the bytes actually
// present in b; both are rejected up front, with no state changed.
func Decode(b []byte) (Descriptor, error) {
	if len(b) < headerSize {
		return Descriptor{}, fmt.Errorf("clonewire: descriptor shorter than header (%d < %d)", len(b), headerSize)
	}
	offset := binary.LittleEndian.Uint64(b[0:8])
	flags := binary.LittleEndian.Uint32(b[8:12])
	nameLen := binary.LittleEndian.Uint32(b[12:16])
	if nameLen > MaxPath {
		return Descriptor{}, ErrNameTooLong
	}
	if int(nameLen) > len(b)-headerSize {
		return Descriptor{}, fmt.Errorf("clonewire: descriptor name_len %d exceeds buffer", nameLen)
	}
	return Descriptor{
		Offset: offsetFromWire(offset),
		Flags:  DescriptorFlags(flags),
		Name:   string(b[headerSize : headerSize+int(nameLen)]),
	}, nil
}
