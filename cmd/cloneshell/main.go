// Command cloneshell exercises the clone protocol end to end over real
// local directories: copy and apply are exposed as kong subcommands, and
// a third demo subcommand wires one of each together through
// clonetransport.InProcessTransport so the whole locator/stage/registry
// pipeline can be driven without a second machine.
package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Copy  CopyCmd  `cmd:"" help:"Drive a copy-side clone (clone_begin..clone_end) over a source data directory."`
	Apply ApplyCmd `cmd:"" help:"Drive an apply-side clone (clone_apply_begin..clone_apply_end) into a destination directory."`
	Demo  DemoCmd  `cmd:"" help:"Run a copy and an apply side in one process, in-memory, and report what landed."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Description("cloneshell drives the storage-engine clone protocol against local directories."),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
