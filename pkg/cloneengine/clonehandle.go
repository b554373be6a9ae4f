package cloneengine

import (
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/siddontang/loggers"

	"github.com/block/cloneengine/pkg/clonetransport"
	"github.com/block/cloneengine/pkg/clonewire"
)

// MaxTasks caps the worker threads attached to one CloneHandle.
const MaxTasks = 128

// ThreadContext is per-task scratch: the currently-open output file (owned
// by the apply side; the copy side only needs the task id), and the task's
// identity within the handle.
type ThreadContext struct {
	TaskID int
}

// LogTail is the transactional engine's record of how much of the live
// redo log has already been transmitted: the last log file number and the
// byte offset within it.
type LogTail struct {
	FileNo int64
	Offset int64
}

// String renders the tail checkpoint-style: "file=N pos=M".
func (t LogTail) String() string { return fmt.Sprintf("file=%d pos=%d", t.FileNo, t.Offset) }

// AsPosition renders the tail as a mysql.Position purely for checkpoint
// logging: the familiar replication-style file/offset pair, not an actual
// binlog coordinate.
func (t LogTail) AsPosition() mysql.Position {
	return mysql.Position{Name: fmt.Sprintf("redo.%010d", t.FileNo), Pos: uint32(t.Offset)}
}

// BackupLocker is the host database's lock manager, seen here only
// through this interface: BACKUP LOCK / BACKUP UNLOCK for one table.
type BackupLocker interface {
	BackupLock(name string) error
	BackupUnlock(name string) error
}

// CloneHandle is one live clone: it owns the locator, the job queue, the
// attached thread contexts, the tables discovered during the current scan,
// and a sticky error.
type CloneHandle struct {
	Locator clonewire.Locator
	DataDir string

	repo    *JobRepository
	session Session
	locker  BackupLocker
	logger  loggers.Advanced

	// sendMu serialises the SetDataDesc/Send pair on the shared transport
	// callback: chunks from jobs running on different tasks must not
	// interleave between a descriptor and its payload.
	sendMu sync.Mutex
	cbk    clonetransport.BufferCbk

	mu         sync.Mutex
	tasks      []ThreadContext
	nextTask   int
	logTables  map[string]*Table
	statTables map[string]*Table
	processed  map[string]bool
	tail       LogTail

	// offlineTables has its own mutex because any task's copy job may
	// decide a table is offline-only and push into it concurrently.
	offlineMu     sync.Mutex
	offlineTables map[string]*Table
}

// NewCloneHandle constructs a handle for a freshly-allocated locator. The
// caller (CloneRegistry) is responsible for picking the locator's
// slot_index and clone_id.
func NewCloneHandle(locator clonewire.Locator, dataDir string, session Session, locker BackupLocker, cbk clonetransport.BufferCbk, logger loggers.Advanced) *CloneHandle {
	return &CloneHandle{
		Locator:       locator,
		DataDir:       dataDir,
		repo:          NewJobRepository(session),
		session:       session,
		locker:        locker,
		cbk:           cbk,
		logger:        logger,
		logTables:     make(map[string]*Table),
		statTables:    make(map[string]*Table),
		processed:     make(map[string]bool),
		offlineTables: make(map[string]*Table),
	}
}

// Jobs returns the handle's JobRepository.
func (h *CloneHandle) Jobs() *JobRepository { return h.repo }

// Attach assigns a contiguous task id to a newly-attaching thread,
// rejecting once MaxTasks is reached. The cap counts every attach ever
// made on this handle, not the currently-live task count, so task ids
// stay unique across the clone's whole lifetime.
func (h *CloneHandle) Attach() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nextTask >= MaxTasks {
		return 0, ErrTooManyTasks
	}
	id := h.nextTask
	h.nextTask++
	h.tasks = append(h.tasks, ThreadContext{TaskID: id})
	return id, nil
}

// Detach reports whether this was the last attached task (len(tasks) after
// removal is zero), which the registry uses to decide whether to delete
// the handle.
func (h *CloneHandle) Detach(taskID int) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, t := range h.tasks {
		if t.TaskID == taskID {
			h.tasks = append(h.tasks[:i], h.tasks[i+1:]...)
			break
		}
	}
	return len(h.tasks) == 0
}

// MarkProcessed records that key has already been emitted in an earlier
// stage, so later stages do not re-enqueue it.
func (h *CloneHandle) MarkProcessed(key string) {
	h.mu.Lock()
	h.processed[key] = true
	h.mu.Unlock()
}

// Processed reports whether key was already emitted.
func (h *CloneHandle) Processed(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processed[key]
}

// AddLogTable / AddStatTable record a table discovered during a scan for
// later-stage enqueueing; RemoveLogTable drops one once its finalizing
// copy has completed at SNAPSHOT.
func (h *CloneHandle) AddLogTable(t *Table) {
	h.mu.Lock()
	h.logTables[t.Key()] = t
	h.mu.Unlock()
}

func (h *CloneHandle) AddStatTable(t *Table) {
	h.mu.Lock()
	h.statTables[t.Key()] = t
	h.mu.Unlock()
}

func (h *CloneHandle) RemoveLogTable(key string) {
	h.mu.Lock()
	delete(h.logTables, key)
	h.mu.Unlock()
}

// LogTables / StatTables return a snapshot slice of the currently
// discovered tables of each class.
func (h *CloneHandle) LogTables() []*Table {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Table, 0, len(h.logTables))
	for _, t := range h.logTables {
		out = append(out, t)
	}
	return out
}

func (h *CloneHandle) StatTables() []*Table {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Table, 0, len(h.statTables))
	for _, t := range h.statTables {
		out = append(out, t)
	}
	return out
}

// AddOfflineTable records a table a copy job decided is offline-only
// (transactional variant); guarded by its own mutex since any task's job
// may push into it concurrently.
func (h *CloneHandle) AddOfflineTable(t *Table) {
	h.offlineMu.Lock()
	h.offlineTables[t.Key()] = t
	h.offlineMu.Unlock()
}

func (h *CloneHandle) OfflineTables() []*Table {
	h.offlineMu.Lock()
	defer h.offlineMu.Unlock()
	out := make([]*Table, 0, len(h.offlineTables))
	for _, t := range h.offlineTables {
		out = append(out, t)
	}
	return out
}

// RemoveOfflineTable drops a table once its offline copy has completed
// at NT_DML_BLOCKED.
func (h *CloneHandle) RemoveOfflineTable(key string) {
	h.offlineMu.Lock()
	delete(h.offlineTables, key)
	h.offlineMu.Unlock()
}

// Tail returns the current log tail position.
func (h *CloneHandle) Tail() LogTail {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tail
}

// AdvanceTail records that the log tail has moved to pos.
func (h *CloneHandle) AdvanceTail(pos LogTail) {
	h.mu.Lock()
	h.tail = pos
	h.mu.Unlock()
	p := pos.AsPosition()
	h.logger.Infof("clone %s: log-file=%s log-pos=%d", h.Locator, p.Name, p.Pos)
}

// Logger returns the handle's logger.
func (h *CloneHandle) Logger() loggers.Advanced { return h.logger }

// --- Operations implementation: the narrow, non-owning interface job
// closures capture instead of *CloneHandle.

func (h *CloneHandle) Send(desc clonewire.Descriptor, data []byte) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := h.cbk.SetDataDesc(desc); err != nil {
		return fmt.Errorf("cloneengine: set_data_desc: %w", err)
	}
	if err := h.cbk.Send(data); err != nil {
		return fmt.Errorf("cloneengine: send: %w", err)
	}
	return nil
}

func (h *CloneHandle) ClearFlags() {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	h.cbk.ClearFlags()
}

func (h *CloneHandle) BackupLock(name string) error {
	if h.locker == nil {
		return nil
	}
	return h.locker.BackupLock(name)
}

func (h *CloneHandle) BackupUnlock(name string) error {
	if h.locker == nil {
		return nil
	}
	return h.locker.BackupUnlock(name)
}

func (h *CloneHandle) SessionKilled() bool {
	return h.session != nil && h.session.Killed()
}

var _ Operations = (*CloneHandle)(nil)
