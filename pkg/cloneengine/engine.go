package cloneengine

import (
	"fmt"

	"github.com/siddontang/loggers"

	"github.com/block/cloneengine/pkg/clonetransport"
	"github.com/block/cloneengine/pkg/clonewire"
)

// Capability mirrors clone_capability(flags): this engine always reports
// itself as blocking (copy's scan/stream steps run synchronously on the
// calling thread) and multi-task capable.
type Capability uint32

const (
	CapabilityBlocking  Capability = 1 << 0
	CapabilityMultiTask Capability = 1 << 1
)

// ReportedCapability is what clone_capability should set: both flags,
// unconditionally, since this implementation never offers a non-blocking
// mode and always supports attaching additional tasks up to MaxTasks.
func ReportedCapability() Capability { return CapabilityBlocking | CapabilityMultiTask }

// Engine bundles a CloneRegistry and a StageDriver to implement the
// source side's session-facing entry points: clone_begin, clone_copy,
// clone_ack, clone_end. A host database process constructs one and calls
// into it from each of its own worker threads.
type Engine struct {
	registry *CloneRegistry
	driver   *StageDriver
}

// NewEngine constructs an Engine with a fresh registry.
func NewEngine() *Engine {
	return &Engine{registry: NewCloneRegistry(), driver: NewStageDriver()}
}

// Registry exposes the underlying registry, mainly for tests and status
// reporting.
func (e *Engine) Registry() *CloneRegistry { return e.registry }

// CloneBeginParams bundles the per-clone collaborators a host supplies at
// ModeStart; unused for ModeAddTask, where the existing handle's own
// collaborators are reused.
type CloneBeginParams struct {
	DataDir string
	Session Session
	Locker  BackupLocker
	Cbk     clonetransport.BufferCbk
	Logger  loggers.Advanced
}

// CloneBegin implements clone_begin(session, inout locator, inout
// locator_len, out task_id, type_flags, mode). For ModeStart,
// locatorBytes is normally empty and params must be populated to
// construct the new CloneHandle; the returned bytes are the
// freshly-allocated locator the host must pass back on every subsequent
// call (a supplied locator that already names a live clone is rejected
// with ErrCloneExists). For ModeAddTask, locatorBytes must already
// identify a live clone and params is ignored.
func (e *Engine) CloneBegin(mode BeginMode, locatorBytes []byte, params CloneBeginParams) ([clonewire.LocatorSize]byte, int, error) {
	var locator *clonewire.Locator
	if len(locatorBytes) > 0 {
		l := clonewire.DecodeLocator(locatorBytes)
		locator = &l
	}
	handle, taskID, err := e.registry.Begin(RoleCopy, mode, locator, func(l clonewire.Locator, slot uint32) *CloneHandle {
		return NewCloneHandle(l, params.DataDir, params.Session, params.Locker, params.Cbk, params.Logger)
	})
	if err != nil {
		return [clonewire.LocatorSize]byte{}, 0, err
	}
	return handle.Locator.Encode(), taskID, nil
}

// CloneCopy implements clone_copy(session, locator, locator_len, task_id,
// stage, cbk): it looks the handle up by locator and delegates to
// StageDriver.Clone. scanner performs the engine-specific discovery step;
// FilesystemScanner covers the common engine and TransactionalScanner the
// log-structured one.
func (e *Engine) CloneCopy(locatorBytes []byte, taskID int, stage Stage, scanner Scanner) error {
	handle := e.registry.Lookup(RoleCopy, clonewire.DecodeLocator(locatorBytes))
	if handle == nil {
		return ErrCloneNotFound
	}
	return e.driver.Clone(handle, scanner, taskID, stage)
}

// CloneAck implements clone_ack(session, locator, locator_len, task_id,
// in_error, cbk): the host acknowledges the chunks transmitted so far for
// task_id, giving the transport a chance to reset any per-stage framing
// state (ClearFlags) and, if in_error is non-zero, to latch it as the
// clone's sticky error so later stages short-circuit.
func (e *Engine) CloneAck(locatorBytes []byte, inErr error) error {
	handle := e.registry.Lookup(RoleCopy, clonewire.DecodeLocator(locatorBytes))
	if handle == nil {
		return ErrCloneNotFound
	}
	handle.ClearFlags()
	if inErr != nil {
		handle.Jobs().Finish(inErr, StageEnd)
	}
	return nil
}

// CloneEnd implements clone_end(session, locator, locator_len, task_id,
// in_error): it latches in_error if supplied, detaches task_id, and, if
// this was the last attached task, frees the registry slot. The caller is
// expected to invoke this regardless of whether earlier calls failed.
func (e *Engine) CloneEnd(locatorBytes []byte, taskID int, inErr error) error {
	locator := clonewire.DecodeLocator(locatorBytes)
	handle := e.registry.Lookup(RoleCopy, locator)
	if handle == nil {
		return fmt.Errorf("cloneengine: clone_end: %w", ErrCloneNotFound)
	}
	if inErr != nil {
		handle.Jobs().Finish(inErr, StageEnd)
	}
	e.registry.Detach(RoleCopy, locator, taskID)
	return nil
}
