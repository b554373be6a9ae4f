package cloneapply

import (
	"fmt"
	"sync"

	"github.com/siddontang/loggers"

	"github.com/block/cloneengine/pkg/cloneengine"
	"github.com/block/cloneengine/pkg/clonetransport"
	"github.com/block/cloneengine/pkg/clonewire"
)

// Engine implements the destination-side session-facing entry points:
// clone_apply_begin, clone_apply, clone_apply_end. It reuses
// cloneengine.CloneRegistry under cloneengine.RoleApply so that the same
// MaxClone/MaxTasks capacity rules apply to the apply side as to the copy
// side.
type Engine struct {
	registry *cloneengine.CloneRegistry

	// mu guards states, the same way cloneengine.CloneRegistry.mu guards
	// its slots: held only across map/pointer operations, never across
	// the I/O in Apply itself, since up to MaxTasks threads may call
	// ApplyBegin/ApplyEntry/ApplyEnd against the same locator
	// concurrently.
	mu     sync.Mutex
	states map[clonewire.Locator]map[int]*TaskApplyState
	logger loggers.Advanced
}

// NewEngine constructs an apply-side Engine.
func NewEngine(logger loggers.Advanced) *Engine {
	return &Engine{
		registry: cloneengine.NewCloneRegistry(),
		states:   make(map[clonewire.Locator]map[int]*TaskApplyState),
		logger:   logger,
	}
}

// Registry exposes the underlying registry for tests and status reporting.
func (e *Engine) Registry() *cloneengine.CloneRegistry { return e.registry }

// ApplyBegin implements clone_apply_begin(session, inout locator, inout
// locator_len, out task_id, mode, data_dir): for ModeStart it
// allocates a registry slot (the CloneHandle itself carries no apply-side
// state beyond identity and task bookkeeping; the actual per-task file
// handles live in a TaskApplyState this Engine tracks alongside it) and
// creates the first task's TaskApplyState rooted at dataDir; for
// ModeAddTask it attaches to the existing locator and creates a new
// TaskApplyState for the new task id.
func (e *Engine) ApplyBegin(mode cloneengine.BeginMode, locatorBytes []byte, dataDir string, session cloneengine.Session, logger loggers.Advanced) ([clonewire.LocatorSize]byte, int, error) {
	var locator *clonewire.Locator
	if len(locatorBytes) > 0 {
		l := clonewire.DecodeLocator(locatorBytes)
		locator = &l
	}
	handle, taskID, err := e.registry.Begin(cloneengine.RoleApply, mode, locator, func(l clonewire.Locator, slot uint32) *cloneengine.CloneHandle {
		return cloneengine.NewCloneHandle(l, dataDir, session, nil, nil, logger)
	})
	if err != nil {
		return [clonewire.LocatorSize]byte{}, 0, err
	}
	e.mu.Lock()
	if e.states[handle.Locator] == nil {
		e.states[handle.Locator] = make(map[int]*TaskApplyState)
	}
	e.states[handle.Locator][taskID] = NewTaskApplyState(taskID, dataDir)
	e.mu.Unlock()
	return handle.Locator.Encode(), taskID, nil
}

// ApplyEntry implements clone_apply(session, locator, locator_len,
// task_id, in_error, cbk): if in_error is already set, it closes any open
// handles for this task rather than writing more data, the apply-side
// counterpart of a copy job short-circuiting on a latched error.
func (e *Engine) ApplyEntry(locatorBytes []byte, taskID int, inErr error, cbk clonetransport.ApplyFileCbk) error {
	locator := clonewire.DecodeLocator(locatorBytes)
	e.mu.Lock()
	tasks, cloneOK := e.states[locator]
	var state *TaskApplyState
	var taskOK bool
	if cloneOK {
		state, taskOK = tasks[taskID]
	}
	e.mu.Unlock()
	if !cloneOK {
		return fmt.Errorf("cloneapply: apply: %w", cloneengine.ErrCloneNotFound)
	}
	if !taskOK {
		return fmt.Errorf("cloneapply: apply: no task %d attached to %s", taskID, locator)
	}
	if inErr != nil {
		return state.Close()
	}
	return Apply(state, cbk, e.logger)
}

// ApplyEnd implements clone_apply_end(session, locator, locator_len,
// task_id, in_error): it closes the task's open file handles, detaches it
// from the registry, and, if this was the last task, frees the slot,
// exactly mirroring the copy side's clone_end. The caller is expected to
// invoke it regardless of whether earlier calls failed.
func (e *Engine) ApplyEnd(locatorBytes []byte, taskID int, inErr error) error {
	locator := clonewire.DecodeLocator(locatorBytes)
	e.mu.Lock()
	var state *TaskApplyState
	if tasks, ok := e.states[locator]; ok {
		state = tasks[taskID]
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(e.states, locator)
		}
	}
	e.mu.Unlock()
	var closeErr error
	if state != nil {
		closeErr = state.Close()
	}
	e.registry.Detach(cloneengine.RoleApply, locator, taskID)
	if inErr != nil {
		return inErr
	}
	return closeErr
}
