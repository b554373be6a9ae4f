package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/block/cloneengine/pkg/cloneengine"
	"github.com/block/cloneengine/pkg/clonesession"
	"github.com/block/cloneengine/pkg/clonetransport"
)

// CopyCmd drives a single copy-side clone from StageConcurrent through
// StageEnd over DataDir, writing the resulting wire stream to Out. With
// DSN set it also takes real BACKUP LOCK/BACKUP STAGE statements against
// a live server, standing in for the host that would otherwise drive
// those around each CloneCopy call; without it, the clone still runs, but
// against no-op stand-ins, exactly the way the unit tests exercise it.
type CopyCmd struct {
	DataDir string `arg:"" help:"Source data directory to copy from."`
	Out     string `help:"Path to write the wire stream to." required:""`
	DSN     string `help:"Optional MariaDB/MySQL DSN; when set, BACKUP LOCK and BACKUP STAGE are issued for real."`
}

type alwaysAliveSession struct{}

func (alwaysAliveSession) Killed() bool { return false }

type noopBackupLocker struct{}

func (noopBackupLocker) BackupLock(string) error   { return nil }
func (noopBackupLocker) BackupUnlock(string) error { return nil }

func (c *CopyCmd) Run() error {
	logger := logrus.New()
	ctx := context.Background()

	var session cloneengine.Session = alwaysAliveSession{}
	var locker cloneengine.BackupLocker = noopBackupLocker{}

	var closeHost func()
	var advance func(cloneengine.Stage) error
	if c.DSN != "" {
		config := clonesession.NewConfig()
		config.MaxOpenConnections = 1
		conn, err := clonesession.Connect(ctx, c.DSN, config)
		if err != nil {
			return fmt.Errorf("cloneshell: connecting: %w", err)
		}
		sess, err := clonesession.NewSession(ctx, conn, config, logger)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("cloneshell: starting session: %w", err)
		}
		session = sess
		locker = clonesession.NewBackupLock(conn, logger)
		advance = func(stage cloneengine.Stage) error { return clonesession.AdvanceBackupStage(ctx, conn, stage) }
		closeHost = func() { sess.Close(); _ = conn.Close() }
	}
	if closeHost != nil {
		defer closeHost()
	}

	out, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("cloneshell: creating %s: %w", c.Out, err)
	}
	defer out.Close()
	cbk := clonetransport.NewFileBufferCbk(out)

	engine := cloneengine.NewEngine()
	locatorBytes, taskID, err := engine.CloneBegin(cloneengine.ModeStart, nil, cloneengine.CloneBeginParams{
		DataDir: c.DataDir,
		Session: session,
		Locker:  locker,
		Cbk:     cbk,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("cloneshell: clone_begin: %w", err)
	}

	scanner := &cloneengine.FilesystemScanner{DataDir: c.DataDir}
	var runErr error
	for stage := cloneengine.StageConcurrent; stage <= cloneengine.StageEnd; stage++ {
		if advance != nil {
			if err := advance(stage); err != nil {
				runErr = err
				break
			}
		}
		logger.Infof("cloneshell: copy: entering stage %s", stage)
		if err := engine.CloneCopy(locatorBytes[:], taskID, stage, scanner); err != nil {
			runErr = fmt.Errorf("cloneshell: clone_copy(%s): %w", stage, err)
			break
		}
	}

	if ackErr := engine.CloneAck(locatorBytes[:], runErr); ackErr != nil && runErr == nil {
		runErr = ackErr
	}
	if endErr := engine.CloneEnd(locatorBytes[:], taskID, runErr); endErr != nil && runErr == nil {
		runErr = endErr
	}
	if runErr != nil {
		return runErr
	}
	if err := cbk.Flush(); err != nil {
		return fmt.Errorf("cloneshell: flushing %s: %w", c.Out, err)
	}
	fmt.Printf("clone complete: wrote stream to %s\n", c.Out)
	return nil
}
