// Package clonetransport defines the callback interfaces the clone core
// calls into on both sides of the wire, an in-process implementation used
// by tests and the demo CLI (cmd/cloneshell) to run a copy-side clone
// directly into an apply-side clone without a network in between, and a
// file-backed pair (FileBufferCbk/FileApplyFileCbk) used by cloneshell's
// copy and apply subcommands. The core never owns bytes on the wire: it
// calls these callbacks and lets the host-supplied transport decide how (or whether) to move
// bytes between processes.
package clonetransport

import (
	"os"

	"github.com/block/cloneengine/pkg/clonewire"
)

// BufferCbk is the source-side transport callback. The core calls
// SetDataDesc immediately before every Send so the transport can frame
// the chunk on the wire however it likes, then calls Send with the raw
// payload bytes.
type BufferCbk interface {
	// SetDataDesc attaches the descriptor that describes the bytes about
	// to be sent via the next Send call.
	SetDataDesc(desc clonewire.Descriptor) error
	// Send hands len(buf) bytes of payload to the transport. A non-zero
	// return is treated as a hard error and latched by the caller; the
	// core stops emitting further bytes for the file that produced it.
	Send(buf []byte) error
	// ClearFlags is called once per stage transition so a stateful
	// transport can reset any per-stage framing state.
	ClearFlags()
	// SetOSBufferCache lets the core hint whether the OS page cache
	// should be used for the stream; implementations may ignore it.
	SetOSBufferCache(enabled bool)
}

// ApplyFileCbk is the destination-side transport callback. The core opens
// the target file itself (see pkg/cloneapply) and, for any chunk that
// carries real payload, hands the *os.File to ApplyFileCbk so the
// transport can write the incoming bytes directly into it.
type ApplyFileCbk interface {
	// GetDataDesc returns the next descriptor read off the wire.
	GetDataDesc() (clonewire.Descriptor, error)
	// ApplyFileCbk writes the next chunk of payload directly into file.
	ApplyFileCbk(file *os.File) error
	SetOSBufferCache(enabled bool)
}
