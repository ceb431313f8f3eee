// Package main implements a command line tool for operating on a BlitzMail
// spool directory: it resolves addresses the way the daemon would and edits
// public mailing lists.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/freefal/blitzmail-server-sub000/pkg/mlist"
	"github.com/google/subcommands"
)

var spool = flag.String("spool", "/var/spool/blitz", "BlitzMail spool directory")

func main() {
	// Important top-level flags
	subcommands.ImportantFlag("spool")

	// Setup standard helpers
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	// Setup my commands
	subcommands.Register(&resolveCmd{}, "")
	subcommands.Register(&listShowCmd{}, "")
	subcommands.Register(&listSetCmd{}, "")
	subcommands.Register(&listACLCmd{}, "")
	subcommands.Register(&listRemoveCmd{}, "")

	// Parse and execute
	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

func listStore() (*mlist.FileStore, error) {
	return mlist.NewFileStore(*spool)
}

func fatal(msg string, err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitUsageError
}
