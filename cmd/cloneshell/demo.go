package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/block/cloneengine/pkg/cloneapply"
	"github.com/block/cloneengine/pkg/cloneengine"
	"github.com/block/cloneengine/pkg/clonetransport"
)

// DemoCmd runs a copy-side and an apply-side clone in one process,
// connected through clonetransport.InProcessTransport, so the whole
// locator/stage/registry/apply pipeline can be exercised with a single
// command over two real local directories.
type DemoCmd struct {
	Source string `arg:"" help:"Source data directory to copy from."`
	Dest   string `arg:"" help:"Destination data directory to apply into."`
}

func (d *DemoCmd) Run() error {
	logger := logrus.New()
	transport := clonetransport.NewInProcessTransport(16)

	copyEngine := cloneengine.NewEngine()
	locatorBytes, copyTask, err := copyEngine.CloneBegin(cloneengine.ModeStart, nil, cloneengine.CloneBeginParams{
		DataDir: d.Source,
		Session: alwaysAliveSession{},
		Locker:  noopBackupLocker{},
		Cbk:     transport.Sender(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("cloneshell: clone_begin: %w", err)
	}

	applyEngine := cloneapply.NewEngine(logger)
	applyLocatorBytes, applyTask, err := applyEngine.ApplyBegin(cloneengine.ModeStart, nil, d.Dest, alwaysAliveSession{}, logger)
	if err != nil {
		return fmt.Errorf("cloneshell: clone_apply_begin: %w", err)
	}

	applyErrCh := make(chan error, 1)
	go func() {
		receiver := transport.Receiver()
		for {
			if err := applyEngine.ApplyEntry(applyLocatorBytes[:], applyTask, nil, receiver); err != nil {
				if errors.Is(err, io.EOF) {
					applyErrCh <- nil
					return
				}
				applyErrCh <- err
				return
			}
		}
	}()

	scanner := &cloneengine.FilesystemScanner{DataDir: d.Source}
	var copyErr error
	for stage := cloneengine.StageConcurrent; stage <= cloneengine.StageEnd; stage++ {
		logger.Infof("cloneshell: demo: entering stage %s", stage)
		if err := copyEngine.CloneCopy(locatorBytes[:], copyTask, stage, scanner); err != nil {
			copyErr = fmt.Errorf("cloneshell: clone_copy(%s): %w", stage, err)
			break
		}
	}
	transport.CloseSend()

	applyErr := <-applyErrCh

	if ackErr := copyEngine.CloneAck(locatorBytes[:], copyErr); ackErr != nil && copyErr == nil {
		copyErr = ackErr
	}
	if endErr := copyEngine.CloneEnd(locatorBytes[:], copyTask, copyErr); endErr != nil && copyErr == nil {
		copyErr = endErr
	}
	if endErr := applyEngine.ApplyEnd(applyLocatorBytes[:], applyTask, applyErr); endErr != nil && applyErr == nil {
		applyErr = endErr
	}

	if copyErr != nil {
		return copyErr
	}
	if applyErr != nil {
		return applyErr
	}
	fmt.Printf("demo complete: %s cloned into %s\n", d.Source, d.Dest)
	return nil
}
