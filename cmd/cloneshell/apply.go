package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/block/cloneengine/pkg/cloneapply"
	"github.com/block/cloneengine/pkg/cloneengine"
	"github.com/block/cloneengine/pkg/clonetransport"
)

// ApplyCmd drives a single apply-side clone, reading a wire stream
// previously written by CopyCmd (or by another cloneshell copy invocation
// on a different host sharing In over a network filesystem or named
// pipe) and reconstructing the source's files under DataDir.
type ApplyCmd struct {
	In      string `help:"Path to read the wire stream from." required:""`
	DataDir string `arg:"" help:"Destination data directory to apply into."`
}

func (a *ApplyCmd) Run() error {
	logger := logrus.New()

	in, err := os.Open(a.In)
	if err != nil {
		return fmt.Errorf("cloneshell: opening %s: %w", a.In, err)
	}
	defer in.Close()
	cbk := clonetransport.NewFileApplyFileCbk(in)

	engine := cloneapply.NewEngine(logger)
	locatorBytes, taskID, err := engine.ApplyBegin(cloneengine.ModeStart, nil, a.DataDir, alwaysAliveSession{}, logger)
	if err != nil {
		return fmt.Errorf("cloneshell: clone_apply_begin: %w", err)
	}

	var runErr error
	chunks := 0
	for {
		if err := engine.ApplyEntry(locatorBytes[:], taskID, nil, cbk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			runErr = fmt.Errorf("cloneshell: clone_apply: %w", err)
			break
		}
		chunks++
	}

	if endErr := engine.ApplyEnd(locatorBytes[:], taskID, runErr); endErr != nil && runErr == nil {
		runErr = endErr
	}
	if runErr != nil {
		return runErr
	}
	fmt.Printf("apply complete: applied %d chunks into %s\n", chunks, a.DataDir)
	return nil
}
