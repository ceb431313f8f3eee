package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/dnd"
	"github.com/freefal/blitzmail-server-sub000/pkg/prefs"
	"github.com/freefal/blitzmail-server-sub000/pkg/resolve"
	"github.com/google/subcommands"
)

type resolveCmd struct {
	table  string
	sender string
}

func (*resolveCmd) Name() string {
	return "resolve"
}

func (*resolveCmd) Synopsis() string {
	return "resolve a recipient field against the spool"
}

func (*resolveCmd) Usage() string {
	return `resolve [-table <file>] [-sender <name>] <recipient field>:
	expand the field the way the daemon would and print each recipient
`
}

func (r *resolveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.table, "table", "", "directory table file, empty for no identities")
	f.StringVar(&r.sender, "sender", "", "resolve on behalf of this directory name")
}

func (r *resolveCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	field := strings.Join(f.Args(), " ")
	if field == "" {
		return usage("recipient field required")
	}

	// Addressing tables come from the environment, same as the daemon.
	conf, err := config.Process()
	if err != nil {
		return fatal("Configuration error", err)
	}
	var directory dnd.Directory = dnd.NewMemDirectory()
	if r.table != "" {
		if directory, err = dnd.LoadFile(r.table); err != nil {
			return fatal("Couldn't load directory table", err)
		}
	}
	lists, err := listStore()
	if err != nil {
		return fatal("Couldn't open list store", err)
	}
	pstore, err := prefs.NewFileStore(filepath.Join(*spool, "prefs"))
	if err != nil {
		return fatal("Couldn't open preference store", err)
	}
	resolver := resolve.New(conf, directory, lists, pstore)

	var sender *dnd.Entry
	if r.sender != "" {
		sender, err = directory.Lookup(r.sender,
			[]string{dnd.FieldName, dnd.FieldUID, dnd.FieldPrivs})
		if err != nil {
			return fatal("Couldn't resolve sender", err)
		}
	}

	recips, count := resolver.Resolve(field, sender)
	if len(recips) == 0 && count > 0 {
		fmt.Printf("recipient cap exceeded after %v names\n", count)
		return subcommands.ExitFailure
	}
	for _, n := range recips {
		fmt.Println(renderRecipient(n))
	}
	if recips.HasLoop() || len(recips.Failed()) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func renderRecipient(n *resolve.Recipient) string {
	var flags []string
	if n.Local {
		flags = append(flags, "local")
	}
	if n.NoSend {
		flags = append(flags, "nosend")
	}
	if n.NoShow {
		flags = append(flags, "noshow")
	}
	if n.OnVacation {
		flags = append(flags, "vacation")
	}
	where := n.Addr
	if where == "" {
		where = dnd.UIDRef(n.UID)
	}
	return fmt.Sprintf("%-10v %v <%v> [%v]",
		n.Status, n.Name, where, strings.Join(flags, ","))
}
