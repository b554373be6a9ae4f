package cloneengine

import (
	"golang.org/x/sync/errgroup"
)

// StageDriver implements the copy side's clone entry point: it advances a
// handle through stages, running the scan/enqueue step once per stage
// (task 0 only) and letting every attached task drain the resulting queue.
type StageDriver struct{}

// NewStageDriver constructs a StageDriver. It carries no state of its own;
// all mutable state lives on the CloneHandle and its JobRepository.
func NewStageDriver() *StageDriver { return &StageDriver{} }

// Clone implements clone(task, stage, cbk): it reads the current cursor
// from the handle's JobRepository and runs cloneLow for every stage from
// the cursor up to the requested stage, tolerating a host that jumps
// multiple stages in one call.
func (d *StageDriver) Clone(h *CloneHandle, scanner Scanner, taskID int, stage Stage) error {
	if !stage.Valid() {
		return ErrUnknownStage
	}
	var last error
	for s := h.Jobs().LastFinishedStage(); s <= stage && s < numStages; s++ {
		if err := d.cloneLow(h, scanner, taskID, s); err != nil {
			last = err
		}
	}
	if last != nil {
		return last
	}
	return h.Jobs().FirstError()
}

// cloneLow runs one stage: task 0 scans and enqueues (marking the stage
// finished as soon as enqueueing completes, whether or not the scan
// itself errored), then every task drains the queue via Consume. An error
// latched during scanning still lets Consume run, so jobs already queued
// get a chance to release whatever they own.
func (d *StageDriver) cloneLow(h *CloneHandle, scanner Scanner, taskID int, stage Stage) error {
	if taskID == 0 {
		d.scanStage(h, scanner, stage)
	}
	return h.Jobs().Consume(stage, nil)
}

func (d *StageDriver) scanStage(h *CloneHandle, scanner Scanner, stage Stage) {
	h.ClearFlags()
	var err error
	switch stage {
	case StageConcurrent:
		err = scanner.ScanConcurrent(h)
	case StageNTDMLBlocked:
		err = scanner.ScanNTDMLBlocked(h)
	case StageDDLBlocked:
		err = scanner.ScanDDLBlocked(h)
	case StageSnapshot:
		err = scanner.ScanSnapshot(h)
	case StageEnd:
		// No-op boundary; guarantees the stage counter advances.
	}
	h.Jobs().Finish(err, stage)
}

// RunAllTasks fans numTasks concurrent Clone calls out over h, letting N
// tasks drain one JobRepository together. It is a convenience for driving
// the protocol from a single process (the tests use it; cmd/cloneshell
// drives a single task through Engine.CloneCopy instead); a real host
// instead calls Clone once per its own worker thread.
func (d *StageDriver) RunAllTasks(h *CloneHandle, scanner Scanner, numTasks int, stage Stage) error {
	g := new(errgroup.Group)
	g.SetLimit(numTasks)
	for t := 0; t < numTasks; t++ {
		taskID := t
		g.Go(func() error {
			return d.Clone(h, scanner, taskID, stage)
		})
	}
	return g.Wait()
}
