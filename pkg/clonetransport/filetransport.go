package clonetransport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/block/cloneengine/pkg/clonewire"
)

// FileBufferCbk is a BufferCbk that serialises every (Descriptor,
// payload) pair onto an io.Writer using clonewire.Descriptor's own wire
// encoding, framed with a length prefix so FileApplyFileCbk can read them
// back one at a time. It gives cloneshell's copy and apply subcommands a
// real cross-process transport (a plain file standing in for a network
// link) instead of only the in-process demo.
type FileBufferCbk struct {
	w       *bufio.Writer
	pending clonewire.Descriptor
}

// NewFileBufferCbk wraps w. Callers are responsible for closing the
// underlying file once the clone reaches StageEnd.
func NewFileBufferCbk(w io.Writer) *FileBufferCbk {
	return &FileBufferCbk{w: bufio.NewWriter(w)}
}

func (f *FileBufferCbk) SetDataDesc(desc clonewire.Descriptor) error {
	f.pending = desc
	return nil
}

// Send writes one frame: [4-byte descriptor length][descriptor bytes]
// [8-byte payload length][payload bytes].
func (f *FileBufferCbk) Send(buf []byte) error {
	descBytes, err := f.pending.Encode()
	if err != nil {
		return fmt.Errorf("clonetransport: encoding descriptor: %w", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint32(lenBuf[:4], uint32(len(descBytes)))
	if _, err := f.w.Write(lenBuf[:4]); err != nil {
		return err
	}
	if _, err := f.w.Write(descBytes); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(lenBuf[:8], uint64(len(buf)))
	if _, err := f.w.Write(lenBuf[:8]); err != nil {
		return err
	}
	if _, err := f.w.Write(buf); err != nil {
		return err
	}
	return nil
}

func (f *FileBufferCbk) ClearFlags()           { f.pending = clonewire.Descriptor{} }
func (f *FileBufferCbk) SetOSBufferCache(bool) {}

// Flush pushes any buffered bytes to the underlying writer; callers must
// call it once the copy side reaches StageEnd, before closing the file.
func (f *FileBufferCbk) Flush() error { return f.w.Flush() }

var _ BufferCbk = (*FileBufferCbk)(nil)

// FileApplyFileCbk is the ApplyFileCbk counterpart to FileBufferCbk: it
// reads frames back off an io.Reader in the same order they were written.
type FileApplyFileCbk struct {
	r       *bufio.Reader
	pending []byte
}

// NewFileApplyFileCbk wraps r.
func NewFileApplyFileCbk(r io.Reader) *FileApplyFileCbk {
	return &FileApplyFileCbk{r: bufio.NewReader(r)}
}

func (f *FileApplyFileCbk) GetDataDesc() (clonewire.Descriptor, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(f.r, lenBuf[:4]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return clonewire.Descriptor{}, err
	}
	descLen := binary.LittleEndian.Uint32(lenBuf[:4])
	descBytes := make([]byte, descLen)
	if _, err := io.ReadFull(f.r, descBytes); err != nil {
		return clonewire.Descriptor{}, fmt.Errorf("clonetransport: short descriptor read: %w", err)
	}
	desc, err := clonewire.Decode(descBytes)
	if err != nil {
		return clonewire.Descriptor{}, err
	}
	if _, err := io.ReadFull(f.r, lenBuf[:8]); err != nil {
		return clonewire.Descriptor{}, fmt.Errorf("clonetransport: short payload-length read: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint64(lenBuf[:8])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return clonewire.Descriptor{}, fmt.Errorf("clonetransport: short payload read: %w", err)
	}
	f.pending = payload
	return desc, nil
}

func (f *FileApplyFileCbk) ApplyFileCbk(file *os.File) error {
	if f.pending == nil {
		return nil
	}
	_, err := file.Write(f.pending)
	f.pending = nil
	return err
}

func (f *FileApplyFileCbk) SetOSBufferCache(bool) {}

var _ ApplyFileCbk = (*FileApplyFileCbk)(nil)
