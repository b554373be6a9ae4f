package cloneengine

import (
	"fmt"
	"io"
	"os"

	"github.com/block/cloneengine/pkg/clonewire"
)

// sendChunkSize bounds how much of a file is read into memory before
// being handed to Operations.Send.
const sendChunkSize = 1 << 20 // 1 MiB

// Operations is the narrow, non-owning interface a job closure captures
// instead of a *CloneHandle, so a handle can drain its job queue during
// tear-down without the closures holding a live reference back to it.
type Operations interface {
	// Send transmits one chunk: it calls SetDataDesc(desc) followed by
	// Send(data) on the transport's buffer_cbk.
	Send(desc clonewire.Descriptor, data []byte) error
	// ClearFlags resets any per-stage transport framing state; called once
	// per stage transition.
	ClearFlags()
	// BackupLock/BackupUnlock take and release the host's table-level
	// BACKUP LOCK for name.
	BackupLock(name string) error
	BackupUnlock(name string) error
	// SessionKilled reports whether the host session has been cancelled.
	SessionKilled() bool
}

// StreamSequentialFile is the sequential reader variant: a blocking read
// loop emitting append-offset chunks, or a single no-data chunk for an
// empty file. bytesWanted == 0 means "to EOF" (read-all mode); a positive
// value reads at most that many bytes (read-bounded mode).
func StreamSequentialFile(ops Operations, f *os.File, name string, bytesWanted int64) error {
	buf := make([]byte, sendChunkSize)
	first := true
	var total int64

	for bytesWanted == 0 || total < bytesWanted {
		n := len(buf)
		if bytesWanted > 0 {
			if remain := bytesWanted - total; remain < int64(n) {
				n = int(remain)
			}
		}
		read, err := f.Read(buf[:n])
		if read > 0 {
			desc := clonewire.Descriptor{Offset: clonewire.AppendOffset()}
			if first {
				desc.Name = name
			}
			if sendErr := ops.Send(desc, buf[:read]); sendErr != nil {
				return sendErr
			}
			first = false
			total += int64(read)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("cloneengine: reading %s: %w", name, err)
		}
		if read == 0 {
			break
		}
	}

	if first {
		// No bytes were ever read: emit the synthetic empty-file marker.
		return ops.Send(clonewire.Descriptor{Offset: clonewire.NoDataOffset(), Name: name}, nil)
	}
	return nil
}

// BlockCapability describes the fixed block size of a block-addressed
// file, queried once when the table is opened.
type BlockCapability struct {
	BlockSize int
}

// ErrEndOfBlocks is the distinguished end-of-file return used by
// BlockSource implementations in place of a numeric error code.
var ErrEndOfBlocks = fmt.Errorf("cloneengine: end of blocks")

// BlockSource is the engine-specific adapter the transactional variant
// supplies for a partition's index/data file pair. The engine's actual
// block readers live behind it; this core only sees the shape.
type BlockSource interface {
	Capability() BlockCapability
	ReadIndexBlock(block uint64, buf []byte) (n int, err error)
	ReadDataBlock(block uint64, buf []byte) (n int, err error)
}

// StreamBlockAddressedFile is the block-addressed reader variant: it
// iterates blocks from 0, calling the index or data reader on src, and
// terminates on ErrEndOfBlocks. Any other non-nil error is a hard read
// error.
func StreamBlockAddressedFile(ops Operations, src BlockSource, name string, index bool) error {
	cap := src.Capability()
	buf := make([]byte, cap.BlockSize)
	first := true
	var block uint64

	for {
		var n int
		var err error
		if index {
			n, err = src.ReadIndexBlock(block, buf)
		} else {
			n, err = src.ReadDataBlock(block, buf)
		}
		if err == ErrEndOfBlocks {
			break
		}
		if err != nil {
			return fmt.Errorf("cloneengine: reading block %d of %s: %w", block, name, err)
		}
		desc := clonewire.Descriptor{Offset: clonewire.AppendOffset()}
		if first {
			desc.Name = name
		}
		if sendErr := ops.Send(desc, buf[:n]); sendErr != nil {
			return sendErr
		}
		first = false
		block++
	}

	if first {
		return ops.Send(clonewire.Descriptor{Offset: clonewire.NoDataOffset(), Name: name}, nil)
	}
	return nil
}
