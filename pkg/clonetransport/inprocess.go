package clonetransport

import (
	"errors"
	"io"
	"os"

	"github.com/block/cloneengine/pkg/clonewire"
)

// frame is one descriptor+payload pair moving across an InProcessTransport.
type frame struct {
	desc    clonewire.Descriptor
	payload []byte
}

// InProcessTransport connects a copy-side BufferCbk directly to an
// apply-side ApplyFileCbk through a buffered channel, with no network or
// serialisation in between. It is used by end-to-end tests and by
// cmd/cloneshell to demonstrate the protocol against real local files
// without requiring two machines.
type InProcessTransport struct {
	frames chan frame
}

// NewInProcessTransport creates a transport with the given frame backlog
// capacity. A small capacity is fine: the copy side blocks on Send until
// the apply side drains, the same synchronous backpressure a real
// transport callback applies.
func NewInProcessTransport(capacity int) *InProcessTransport {
	return &InProcessTransport{frames: make(chan frame, capacity)}
}

// CloseSend signals that the copy side is done; the apply side's
// GetDataDesc will return io.EOF once the backlog is drained.
func (t *InProcessTransport) CloseSend() { close(t.frames) }

// Sender returns the BufferCbk half of this transport. Each call returns a
// fresh handle so independent tasks can each hold their own pending
// descriptor without racing each other.
func (t *InProcessTransport) Sender() BufferCbk { return &senderSide{frames: t.frames} }

// Receiver returns the ApplyFileCbk half of this transport.
func (t *InProcessTransport) Receiver() ApplyFileCbk { return &receiverSide{frames: t.frames} }

type senderSide struct {
	frames       chan<- frame
	pending      clonewire.Descriptor
	osBufferMode bool
}

func (s *senderSide) SetDataDesc(desc clonewire.Descriptor) error {
	s.pending = desc
	return nil
}

func (s *senderSide) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.frames <- frame{desc: s.pending, payload: cp}
	return nil
}

func (s *senderSide) ClearFlags()                   { s.pending = clonewire.Descriptor{} }
func (s *senderSide) SetOSBufferCache(enabled bool) { s.osBufferMode = enabled }

type receiverSide struct {
	frames       <-chan frame
	current      frame
	haveCurrent  bool
	osBufferMode bool
}

var errNoFrame = errors.New("clonetransport: ApplyFileCbk called before GetDataDesc returned a frame")

func (r *receiverSide) GetDataDesc() (clonewire.Descriptor, error) {
	f, ok := <-r.frames
	if !ok {
		r.haveCurrent = false
		return clonewire.Descriptor{}, io.EOF
	}
	r.current = f
	r.haveCurrent = true
	return f.desc, nil
}

func (r *receiverSide) ApplyFileCbk(file *os.File) error {
	if !r.haveCurrent {
		return errNoFrame
	}
	_, err := file.Write(r.current.payload)
	return err
}

func (r *receiverSide) SetOSBufferCache(enabled bool) { r.osBufferMode = enabled }
