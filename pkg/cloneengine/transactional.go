package cloneengine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/block/cloneengine/pkg/clonewire"
)

// logFileHeaderSize bounds how much of the tail log file's header is
// re-sent at SNAPSHOT. The engine's real header layout is opaque bytes to
// this package.
const logFileHeaderSize = 512

// PartitionedTableSource supplies the transactional engine's
// partition-per-tablespace tables: tables assumed online-backup-safe, so
// they are copied once under CONCURRENT alongside the sealed redo logs.
type PartitionedTableSource interface {
	PartitionedTables() ([]*PartitionedTable, error)
}

// OfflineTableSource supplies the transactional engine's tables whose
// storage engine is not online-backup-safe: discovered during the
// CONCURRENT scan but only actually readable once NT_DML_BLOCKED has
// stopped non-transactional DML.
type OfflineTableSource interface {
	OfflineTables() ([]*Table, error)
}

// RedoLogSource is the transactional engine's adapter onto its own redo
// log: the already-sealed (no longer written) files, copied once, and the
// single file currently being grown, whose tail is streamed incrementally
// across NT_DML_BLOCKED and DDL_BLOCKED and finalized at SNAPSHOT.
type RedoLogSource interface {
	SealedLogFiles() ([]File, error)
	TailLogFile() (File, error)
}

// TransactionalScanner is the transactional-engine counterpart to
// FilesystemScanner: it drives CloneHandle's offline-table set and
// log-tail bookkeeping instead of FilesystemScanner's log/statistics
// table maps.
type TransactionalScanner struct {
	Partitioned PartitionedTableSource
	Offline     OfflineTableSource
	Redo        RedoLogSource
}

// redoLogOps wraps Operations so every chunk sent through it carries the
// redo-log descriptor flag, letting the apply side route it to its
// separate log file slot.
type redoLogOps struct{ Operations }

func (r redoLogOps) Send(desc clonewire.Descriptor, data []byte) error {
	desc.Flags = desc.Flags.WithRedoLog(true)
	return r.Operations.Send(desc, data)
}

// logFileNumber extracts the trailing digits of a log file's base name
// (e.g. "ib_logfile0" -> 0), used only to detect rotation to a new log
// file between scans.
func logFileNumber(name string) int64 {
	base := filepath.Base(name)
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	if i == len(base) {
		return 0
	}
	n, err := strconv.ParseInt(base[i:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ScanConcurrent copies every sealed log file and every partitioned table
// under BACKUP LOCK-free streaming (both are assumed safe to read
// concurrently with DML), records the tables whose engine is not
// online-backup-safe for later, and starts the log tail at byte 0 of the
// file being grown, so the first tail job streams the portion that is
// already durable.
func (s *TransactionalScanner) ScanConcurrent(h *CloneHandle) error {
	sealed, err := s.Redo.SealedLogFiles()
	if err != nil {
		return fmt.Errorf("cloneengine: listing sealed log files: %w", err)
	}
	for _, f := range sealed {
		file := f
		h.Jobs().Enqueue(func(runningErr error) error {
			if runningErr != nil {
				return runningErr
			}
			if h.SessionKilled() {
				return errSessionKilled
			}
			if err := s.streamSealedFile(h, file); err != nil {
				return fmt.Errorf("cloneengine: copying log file %s: %w", file.Name, err)
			}
			return nil
		})
	}

	tables, err := s.Partitioned.PartitionedTables()
	if err != nil {
		return fmt.Errorf("cloneengine: listing partitioned tables: %w", err)
	}
	for _, t := range tables {
		t := t
		h.Jobs().Enqueue(func(runningErr error) error {
			if runningErr != nil {
				return runningErr
			}
			if h.SessionKilled() {
				return errSessionKilled
			}
			if err := t.Copy(h); err != nil {
				return fmt.Errorf("cloneengine: copying partitioned table %s: %w", t.Key(), err)
			}
			return nil
		})
	}

	offline, err := s.Offline.OfflineTables()
	if err != nil {
		return fmt.Errorf("cloneengine: listing offline tables: %w", err)
	}
	for _, t := range offline {
		h.AddOfflineTable(t)
	}

	tail, err := s.Redo.TailLogFile()
	if err != nil {
		return fmt.Errorf("cloneengine: locating log tail file: %w", err)
	}
	if _, err := os.Stat(tail.Path); err != nil {
		return fmt.Errorf("cloneengine: stat %s: %w", tail.Path, err)
	}
	h.AdvanceTail(LogTail{FileNo: logFileNumber(tail.Name), Offset: 0})

	h.Jobs().Enqueue(func(runningErr error) error {
		if runningErr != nil {
			return runningErr
		}
		if h.SessionKilled() {
			return errSessionKilled
		}
		return s.streamLogTail(h)
	})
	return nil
}

func (s *TransactionalScanner) streamSealedFile(h *CloneHandle, file File) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("cloneengine: opening %s: %w", file.Path, err)
	}
	defer f.Close()
	return StreamSequentialFile(redoLogOps{h}, f, file.Name, 0)
}

// streamLogTail streams whatever the tail log file has grown by since the
// last recorded position and advances the tail to the new position. It is
// a no-op if nothing has grown.
func (s *TransactionalScanner) streamLogTail(h *CloneHandle) error {
	tail := h.Tail()
	file, err := s.Redo.TailLogFile()
	if err != nil {
		return fmt.Errorf("cloneengine: locating log tail file: %w", err)
	}
	fileNo := logFileNumber(file.Name)

	offset := tail.Offset
	if fileNo != tail.FileNo {
		// The log rotated to a new file since the last scan; start this
		// file's tail from its beginning.
		offset = 0
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("cloneengine: opening %s: %w", file.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("cloneengine: stat %s: %w", file.Path, err)
	}
	if info.Size() <= offset {
		return nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("cloneengine: seeking %s to %d: %w", file.Path, offset, err)
	}
	if err := StreamSequentialFile(redoLogOps{h}, f, file.Name, info.Size()-offset); err != nil {
		return fmt.Errorf("cloneengine: streaming log tail %s: %w", file.Name, err)
	}
	h.AdvanceTail(LogTail{FileNo: fileNo, Offset: info.Size()})
	return nil
}

// finalizeLogTail streams whatever remains of the tail log file and then
// re-sends its header at OffsetAtByte(0), causing the apply side to reopen
// its log slot without O_APPEND and rewrite the header in place, so the
// LSN footer the destination ends up with is the one written at the
// crash-consistent cut.
func (s *TransactionalScanner) finalizeLogTail(h *CloneHandle) error {
	if err := s.streamLogTail(h); err != nil {
		return err
	}
	file, err := s.Redo.TailLogFile()
	if err != nil {
		return fmt.Errorf("cloneengine: locating log tail file: %w", err)
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("cloneengine: opening %s: %w", file.Path, err)
	}
	defer f.Close()

	header := make([]byte, logFileHeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("cloneengine: reading header of %s: %w", file.Name, err)
	}
	desc := clonewire.Descriptor{
		Offset: clonewire.AtByteOffset(0),
		Flags:  clonewire.DescriptorFlags(0).WithRedoLog(true),
		Name:   file.Name,
	}
	return h.Send(desc, header[:n])
}

// ScanNTDMLBlocked copies every table recorded as offline-only, now that
// non-transactional DML is blocked and it is safe to read them, and
// streams any log tail growth.
func (s *TransactionalScanner) ScanNTDMLBlocked(h *CloneHandle) error {
	for _, t := range h.OfflineTables() {
		t := t
		key := t.Key()
		h.Jobs().Enqueue(func(runningErr error) error {
			if runningErr != nil {
				return runningErr
			}
			if h.SessionKilled() {
				return errSessionKilled
			}
			// Non-transactional DML is already blocked by this stage, so
			// no further per-table BACKUP LOCK is required.
			if err := t.Copy(h, true); err != nil {
				return fmt.Errorf("cloneengine: copying offline table %s: %w", key, err)
			}
			h.RemoveOfflineTable(key)
			return nil
		})
	}
	h.Jobs().Enqueue(func(runningErr error) error {
		if runningErr != nil {
			return runningErr
		}
		if h.SessionKilled() {
			return errSessionKilled
		}
		return s.streamLogTail(h)
	})
	return nil
}

// ScanDDLBlocked streams any log tail growth since NT_DML_BLOCKED; no
// table copying happens at this stage for the transactional variant.
func (s *TransactionalScanner) ScanDDLBlocked(h *CloneHandle) error {
	h.Jobs().Enqueue(func(runningErr error) error {
		if runningErr != nil {
			return runningErr
		}
		if h.SessionKilled() {
			return errSessionKilled
		}
		return s.streamLogTail(h)
	})
	return nil
}

// ScanSnapshot finalizes the log tail at the crash-consistent cut.
func (s *TransactionalScanner) ScanSnapshot(h *CloneHandle) error {
	h.Jobs().Enqueue(func(runningErr error) error {
		if runningErr != nil {
			return runningErr
		}
		if h.SessionKilled() {
			return errSessionKilled
		}
		return s.finalizeLogTail(h)
	})
	return nil
}

var _ Scanner = (*TransactionalScanner)(nil)
