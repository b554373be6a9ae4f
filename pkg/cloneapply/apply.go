// Package cloneapply implements the destination side of the clone
// protocol: given a stream of (Descriptor, payload) pairs arriving through
// an ApplyFileCbk, it opens, creates, and closes files under the
// destination data directory with the correct semantics for each offset
// sentinel, and otherwise hands the open OS file handle straight to the
// transport so it can write the incoming bytes directly into it.
package cloneapply

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/siddontang/loggers"

	"github.com/block/cloneengine/pkg/clonetransport"
	"github.com/block/cloneengine/pkg/clonewire"
)

// openFile tracks one currently-open destination file for one task.
type openFile struct {
	file *os.File
	name string
}

func (f *openFile) close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// TaskApplyState is the per-task scratch the apply path needs across
// repeated Apply calls: the currently open data file, and (transactional
// engine variant only) a second, independently-managed handle for
// interleaved log-file chunks.
type TaskApplyState struct {
	TaskID  int
	DataDir string
	data    openFile
	log     openFile
}

// NewTaskApplyState creates apply-side scratch state for one task.
func NewTaskApplyState(taskID int, dataDir string) *TaskApplyState {
	return &TaskApplyState{TaskID: taskID, DataDir: dataDir}
}

// Close releases any file handles still open for this task, e.g. on
// apply_end or on error unwind.
func (s *TaskApplyState) Close() error {
	err1 := s.data.close()
	err2 := s.log.close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *TaskApplyState) slotFor(desc clonewire.Descriptor) *openFile {
	if desc.Flags.IsRedoLog() {
		return &s.log
	}
	return &s.data
}

// openDestination (re)opens the file named by desc under dataDir. Parent
// directories are created on demand, mode 0777, ignoring EEXIST.
//
// Offset.Append opens with O_APPEND (the common case: a continuing
// stream). Any other offset opens without O_APPEND, so the first write
// lands at byte 0: the no-data marker uses this only to create the file,
// and the transactional engine's SNAPSHOT stage uses it to rewrite a log
// file's header after it was already appended to.
func openDestination(dataDir string, desc clonewire.Descriptor) (*os.File, error) {
	fullPath := filepath.Join(dataDir, filepath.FromSlash(desc.Name))
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, fmt.Errorf("cloneapply: creating directory %s: %w", dir, err)
	}

	flags := os.O_WRONLY
	if desc.Offset.Kind == clonewire.OffsetAppend {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(fullPath, flags, 0644)
	if err != nil {
		// Try once without O_CREATE so an existing file is opened as-is
		// (e.g. for the header rewrite case); add O_CREATE only on retry.
		f, err = os.OpenFile(fullPath, flags|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("cloneapply: opening %s: %w", fullPath, err)
		}
	}
	return f, nil
}

// Apply implements one clone_apply call: it reads the next descriptor off
// cbk, opens/creates/closes the target file as required, and for any
// chunk carrying real payload hands the open file to cbk.ApplyFileCbk so
// the transport can write directly into it.
func Apply(state *TaskApplyState, cbk clonetransport.ApplyFileCbk, logger loggers.Advanced) error {
	desc, err := cbk.GetDataDesc()
	if err != nil {
		return err
	}
	slot := state.slotFor(desc)

	if desc.Name != "" {
		if err := slot.close(); err != nil {
			return fmt.Errorf("cloneapply: closing previous file %s: %w", slot.name, err)
		}
		f, err := openDestination(state.DataDir, desc)
		if err != nil {
			return err
		}
		slot.file = f
		slot.name = desc.Name
		logger.Infof("clone apply: opened %s (append=%v)", desc.Name, desc.Offset.Kind == clonewire.OffsetAppend)
	}

	if desc.Offset.Kind == clonewire.OffsetNoData {
		if err := slot.close(); err != nil {
			return fmt.Errorf("cloneapply: closing %s after no-data marker: %w", slot.name, err)
		}
		return nil
	}

	if slot.file == nil {
		return fmt.Errorf("cloneapply: received payload chunk for %q with no file open", desc.Name)
	}

	cbk.SetOSBufferCache(true)
	return cbk.ApplyFileCbk(slot.file)
}
