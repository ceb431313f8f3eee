package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/freefal/blitzmail-server-sub000/pkg/mlist"
	"github.com/google/subcommands"
)

type listShowCmd struct{}

func (*listShowCmd) Name() string {
	return "list-show"
}

func (*listShowCmd) Synopsis() string {
	return "print the members of a public list"
}

func (*listShowCmd) Usage() string {
	return `list-show <name>:
	print list members, one per line
`
}

func (l *listShowCmd) SetFlags(f *flag.FlagSet) {}

func (l *listShowCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	name := f.Arg(0)
	if name == "" {
		return usage("list name required")
	}
	store, err := listStore()
	if err != nil {
		return fatal("Couldn't open list store", err)
	}
	contents, ok, err := store.Public(name)
	if err != nil {
		return fatal("Couldn't read list", err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "no public list named %q\n", name)
		return subcommands.ExitFailure
	}
	fmt.Print(contents)
	if contents != "" && !strings.HasSuffix(contents, "\n") {
		fmt.Println()
	}
	if uid, ok, err := store.Owner(name); err == nil && ok {
		fmt.Fprintf(os.Stderr, "owner: #%v\n", uid)
	}
	return subcommands.ExitSuccess
}

type listSetCmd struct{}

func (*listSetCmd) Name() string {
	return "list-set"
}

func (*listSetCmd) Synopsis() string {
	return "create or replace a public list from stdin"
}

func (*listSetCmd) Usage() string {
	return `list-set <name> < members.txt:
	replace list members with lines read from stdin
`
}

func (l *listSetCmd) SetFlags(f *flag.FlagSet) {}

func (l *listSetCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	name := f.Arg(0)
	if name == "" {
		return usage("list name required")
	}
	members, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fatal("Couldn't read members", err)
	}
	store, err := listStore()
	if err != nil {
		return fatal("Couldn't open list store", err)
	}
	if err := store.SetPublic(name, string(members)); err != nil {
		return fatal("Couldn't write list", err)
	}
	return subcommands.ExitSuccess
}

type listACLCmd struct {
	owner   int
	sendAll bool
	senders string
}

func (*listACLCmd) Name() string {
	return "list-acl"
}

func (*listACLCmd) Synopsis() string {
	return "set the owner and send access of a public list"
}

func (*listACLCmd) Usage() string {
	return `list-acl -owner <uid> [-send-all | -senders <uid>,...] <name>:
	restrict who may send to the list; no send flags means owner only
`
}

func (l *listACLCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.owner, "owner", -1, "owning identity id")
	f.BoolVar(&l.sendAll, "send-all", false, "anyone may send")
	f.StringVar(&l.senders, "senders", "", "comma separated identity ids granted send access")
}

func (l *listACLCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	name := f.Arg(0)
	if name == "" {
		return usage("list name required")
	}
	if l.owner < 0 {
		return usage("-owner required")
	}
	var senders []int
	if l.senders != "" {
		for _, p := range strings.Split(l.senders, ",") {
			var uid int
			if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &uid); err != nil {
				return usage(fmt.Sprintf("bad sender id %q", p))
			}
			senders = append(senders, uid)
		}
	}
	store, err := listStore()
	if err != nil {
		return fatal("Couldn't open list store", err)
	}
	if err := store.SetACL(name, l.owner, l.sendAll, senders...); err != nil {
		return fatal("Couldn't write access file", err)
	}
	return subcommands.ExitSuccess
}

type listRemoveCmd struct{}

func (*listRemoveCmd) Name() string {
	return "list-rm"
}

func (*listRemoveCmd) Synopsis() string {
	return "delete a public list"
}

func (*listRemoveCmd) Usage() string {
	return `list-rm <name>:
	delete the list and its access file
`
}

func (l *listRemoveCmd) SetFlags(f *flag.FlagSet) {}

func (l *listRemoveCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	name := f.Arg(0)
	if name == "" {
		return usage("list name required")
	}
	store, err := listStore()
	if err != nil {
		return fatal("Couldn't open list store", err)
	}
	if err := store.Remove(name); err != nil {
		if err == mlist.ErrBadName {
			return usage(fmt.Sprintf("invalid list name %q", name))
		}
		return fatal("Couldn't remove list", err)
	}
	return subcommands.ExitSuccess
}
