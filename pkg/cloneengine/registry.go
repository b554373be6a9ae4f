package cloneengine

import (
	"sync"
	"sync/atomic"

	"github.com/block/cloneengine/pkg/clonewire"
)

// MaxClone caps the concurrent clones per role.
const MaxClone = 1

// Role distinguishes the copy-role (source) registry from the apply-role
// (destination) registry; each role has its own fixed-size array.
type Role int

const (
	RoleCopy Role = iota
	RoleApply
)

// BeginMode mirrors the five `mode` values a session can pass to
// clone_begin / clone_apply_begin.
type BeginMode int

const (
	ModeStart BeginMode = iota
	ModeAddTask
	ModeRestart
	ModeVersion
	ModeMax
)

// CloneRegistry is the process-wide table mapping locator → CloneHandle
// for both roles, protected by a single mutex held only across pointer
// swaps, never across I/O. It is an ordinary struct a caller constructs
// once and threads through, not a package-level global.
type CloneRegistry struct {
	mu     sync.Mutex
	slots  [2][MaxClone]*CloneHandle
	nextID int32
}

// NewCloneRegistry constructs an empty registry.
func NewCloneRegistry() *CloneRegistry { return &CloneRegistry{} }

// nextCloneID draws the next value from the process-wide monotonic
// counter.
func (reg *CloneRegistry) nextCloneID() uint32 {
	return uint32(atomic.AddInt32(&reg.nextID, 1))
}

// Begin implements clone_begin / clone_apply_begin's mode dispatch.
// For ModeStart it allocates a new handle via newHandle (called
// under the registry mutex, so newHandle must not itself touch the
// registry) and returns its locator and the first attached task id; a
// caller-supplied locator, if any, must not name a live clone. For
// ModeAddTask it looks the existing handle up by locator and attaches a
// new task.
func (reg *CloneRegistry) Begin(role Role, mode BeginMode, locator *clonewire.Locator, newHandle func(l clonewire.Locator, slot uint32) *CloneHandle) (*CloneHandle, int, error) {
	switch mode {
	case ModeRestart:
		return nil, 0, ErrRestartNotSupported
	case ModeVersion, ModeMax:
		return nil, 0, ErrInvalidMode
	case ModeStart:
		return reg.begin(role, locator, newHandle)
	case ModeAddTask:
		if locator == nil {
			return nil, 0, ErrCloneNotFound
		}
		return reg.addTask(role, *locator)
	default:
		return nil, 0, ErrInvalidMode
	}
}

func (reg *CloneRegistry) begin(role Role, locator *clonewire.Locator, newHandle func(l clonewire.Locator, slot uint32) *CloneHandle) (*CloneHandle, int, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if locator != nil && reg.lookupLocked(role, *locator) != nil {
		return nil, 0, ErrCloneExists
	}

	slots := &reg.slots[role]
	for i := range slots {
		if slots[i] == nil {
			locator := clonewire.NewLocator(reg.nextCloneID(), uint32(i))
			handle := newHandle(locator, uint32(i))
			slots[i] = handle
			taskID, err := handle.Attach()
			if err != nil {
				slots[i] = nil
				return nil, 0, err
			}
			return handle, taskID, nil
		}
	}
	return nil, 0, ErrTooManyConcurrentClones
}

func (reg *CloneRegistry) addTask(role Role, locator clonewire.Locator) (*CloneHandle, int, error) {
	reg.mu.Lock()
	handle := reg.lookupLocked(role, locator)
	reg.mu.Unlock()
	if handle == nil {
		return nil, 0, ErrCloneNotFound
	}
	taskID, err := handle.Attach()
	if err != nil {
		return nil, 0, err
	}
	return handle, taskID, nil
}

// Lookup finds the handle for locator within role, by linear scan.
func (reg *CloneRegistry) Lookup(role Role, locator clonewire.Locator) *CloneHandle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lookupLocked(role, locator)
}

func (reg *CloneRegistry) lookupLocked(role Role, locator clonewire.Locator) *CloneHandle {
	for _, h := range reg.slots[role] {
		if h != nil && h.Locator.Equal(locator) {
			return h
		}
	}
	return nil
}

// LookupSlot finds the handle at the given slot index within role.
func (reg *CloneRegistry) LookupSlot(role Role, slot uint32) *CloneHandle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if int(slot) >= len(reg.slots[role]) {
		return nil
	}
	return reg.slots[role][slot]
}

// Detach removes task taskID from the handle at locator; once the last
// task detaches, the slot is cleared and the handle is unreachable.
func (reg *CloneRegistry) Detach(role Role, locator clonewire.Locator, taskID int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i, h := range reg.slots[role] {
		if h != nil && h.Locator.Equal(locator) {
			if h.Detach(taskID) {
				reg.slots[role][i] = nil
			}
			return
		}
	}
}
