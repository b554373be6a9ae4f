package cloneengine

import (
	"errors"
	"fmt"
)

// Sentinel errors for every failure class the protocol reports. They are
// compared with errors.Is, never by string, so a wrapped instance still
// matches.
var (
	// ErrQueryInterrupted is the terminal sticky error produced when a
	// wait loop observes the host session cancelled.
	ErrQueryInterrupted = errors.New("cloneengine: query interrupted")

	// errSessionKilled is returned by any job or scan step that observes
	// the host session cancelled; it wraps ErrQueryInterrupted so the
	// caller-visible disposition matches what the wait loops latch.
	errSessionKilled = fmt.Errorf("cloneengine: session killed: %w", ErrQueryInterrupted)

	// ErrTooManyConcurrentClones is returned by CloneRegistry.Begin in
	// START mode when the role's array is already full.
	ErrTooManyConcurrentClones = errors.New("cloneengine: too many concurrent clones")

	// ErrTooManyTasks is returned by CloneHandle.Attach, and so by
	// CloneRegistry.Begin in ADD_TASK mode, when the clone has already
	// reached MaxTasks.
	ErrTooManyTasks = errors.New("cloneengine: too many tasks")

	// ErrCloneNotFound is returned by ADD_TASK mode when no existing
	// clone matches the given locator.
	ErrCloneNotFound = errors.New("cloneengine: clone not found")

	// ErrCloneExists is returned by START mode when a clone with the same
	// locator already exists.
	ErrCloneExists = errors.New("cloneengine: clone already exists")

	// ErrRestartNotSupported mirrors the RESTART begin mode, recognised
	// but unconditionally rejected: a clone interrupted by a network
	// failure must be restarted from scratch.
	ErrRestartNotSupported = errors.New("cloneengine: restart after network failure is not supported")

	// ErrInvalidMode covers the VERSION/MAX begin modes and any other
	// unrecognised mode value.
	ErrInvalidMode = errors.New("cloneengine: invalid clone begin mode")

	// ErrWaitPendingTimeout is returned by JobRepository.WaitPending after
	// the bounded number of one-second polls is exhausted.
	ErrWaitPendingTimeout = errors.New("cloneengine: timed out waiting for pending jobs to drain")

	// ErrUnknownStage covers an out-of-range stage value passed to
	// StageDriver.Clone.
	ErrUnknownStage = errors.New("cloneengine: unknown stage")
)
