package resolve

import (
	"errors"
	"strings"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/dnd"
	"github.com/freefal/blitzmail-server-sub000/pkg/mlist"
	"github.com/freefal/blitzmail-server-sub000/pkg/prefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// lookupFields is the field set requested on every directory lookup.
var lookupFields = []string{
	dnd.FieldName, dnd.FieldUID, dnd.FieldMailAddr,
	dnd.FieldBlitzServ, dnd.FieldBlitzInfo, dnd.FieldPrivs,
}

// Resolver turns address fields into recipient lists.  It holds only
// immutable configuration tables and service handles, so one Resolver serves
// every connection thread concurrently.
type Resolver struct {
	hosts      addr.Hosts
	dir        dnd.Directory
	lists      mlist.Store
	prefs      prefs.Store
	mailHost   string
	hubHost    string
	servers    []string
	thisServer string
	allUsers   string
	maxDepth   int
	maxRecips  int
	maxAddrLen int
	logger     zerolog.Logger
}

// New builds a Resolver from configuration and service handles.
func New(cfg *config.Root, dir dnd.Directory, lists mlist.Store, pstore prefs.Store) *Resolver {
	thisServer := cfg.Mail.ThisServer
	if thisServer == "" {
		thisServer = cfg.Mail.Hostname
	}
	return &Resolver{
		hosts: addr.Hosts{
			Hostname:       cfg.Mail.Hostname,
			Aliases:        cfg.Mail.Aliases,
			DomainSuffixes: cfg.Mail.DomainSuffixes,
			DNDHosts:       cfg.Mail.DNDHosts,
		},
		dir:        dir,
		lists:      lists,
		prefs:      pstore,
		mailHost:   cfg.Mail.Hostname,
		hubHost:    cfg.Mail.HubHost,
		servers:    cfg.Mail.Servers,
		thisServer: thisServer,
		allUsers:   cfg.Mail.AllUsersAlias,
		maxDepth:   cfg.Mail.MaxDepth,
		maxRecips:  cfg.Mail.MaxRecips,
		maxAddrLen: cfg.Mail.MaxAddrLen,
		logger:     log.With().Str("module", "resolve").Logger(),
	}
}

// Hosts exposes the classifier tables, for callers doing their own
// local-domain checks.
func (r *Resolver) Hosts() addr.Hosts {
	return r.hosts
}

// rctx is the resolution context shared by reference through one top-level
// Resolve call.  The recipient count is the single source of truth for the
// hard cap, checked after every sub-expansion.
type rctx struct {
	depth     int
	count     *int
	sender    *dnd.Entry // authenticated sender, nil for incoming SMTP
	listOwner *dnd.Entry // whose personal lists apply; independent of sender
}

func (c *rctx) child(depth int, owner *dnd.Entry) *rctx {
	return &rctx{depth: depth, count: c.count, sender: c.sender, listOwner: owner}
}

// Resolve expands one address field into a recipient list.  The returned
// count exceeds the configured cap when the whole batch was discarded for
// overflowing it; an empty list with a small count means the field was
// vacuous.
func (r *Resolver) Resolve(field string, sender *dnd.Entry) (List, int) {
	count := 0
	ctx := &rctx{depth: 1, count: &count, sender: sender, listOwner: sender}
	var out List
	for _, name := range addr.SplitField(field) {
		out = append(out, r.resolveName(name, ctx)...)
		if count > r.maxRecips {
			return nil, count
		}
	}
	return out, count
}

// resolveName is the dispatch core.  The order is a contract: personal list,
// then public list, then owner alias, then single address.
func (r *Resolver) resolveName(name string, ctx *rctx) List {
	name = addr.Clean(name)
	if name == "" || len(name) > r.maxAddrLen {
		return List{r.statusNode(ctx, name, StatusBadAddress)}
	}
	if ctx.depth > r.maxDepth {
		return List{r.statusNode(ctx, name, StatusLoop)}
	}
	if ctx.listOwner != nil {
		contents, ok, err := r.lists.Personal(ctx.listOwner.UID, name)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Str("name", name).Msg("Personal list read failed")
		case ok:
			return r.expandPersonal(name, contents, ctx)
		}
	}
	if key, ok := r.publicKey(name); ok {
		contents, found, err := r.lists.Public(key)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Str("name", key).Msg("Public list read failed")
		case found:
			return r.expandPublic(key, contents, ctx)
		}
	}
	if listName, ok := ownerAlias(name); ok {
		if uid, found, err := r.lists.Owner(listName); err == nil && found {
			// A rewrite, not a recursive expansion: depth is unchanged, and
			// the #uid reference bypasses list-name matching so an owner can
			// never itself be a list.
			return r.resolveSingle(dnd.UIDRef(uid), ctx, true)
		}
	}
	return r.resolveSingle(name, ctx, false)
}

// publicKey maps a name to its public list lookup key: the name itself, or
// its host-free form when the host part names this virtual host.  A name
// hosted elsewhere is no public list match at all.
func (r *Resolver) publicKey(name string) (string, bool) {
	if !addr.LooksInternet(name) {
		return name, true
	}
	rewritten, local := r.hosts.Localize(name)
	if !local {
		return "", false
	}
	return rewritten, true
}

// ownerAlias recognizes the OWNER-<list> and <list>-REQUEST forms.
func ownerAlias(name string) (string, bool) {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "OWNER-") && len(name) > 6 {
		return name[6:], true
	}
	if strings.HasSuffix(upper, "-REQUEST") && len(name) > 8 {
		return name[:len(name)-8], true
	}
	return "", false
}

// expandPersonal resolves each member line of a personal list at one more
// depth.  A loop anywhere discards the whole expansion in favor of a single
// loop node named for the list; overflowing the recipient cap discards the
// expansion entirely and is observed by the caller through the count.
func (r *Resolver) expandPersonal(listName, contents string, ctx *rctx) List {
	mem := members(contents)
	if len(mem) == 0 {
		return List{r.statusNode(ctx, listName, StatusBadAddress)}
	}
	child := ctx.child(ctx.depth+1, ctx.listOwner)
	var out List
	for _, m := range mem {
		sub := r.resolveName(m, child)
		if sub.HasLoop() {
			// Named for the list, not the member that tripped it.
			return List{r.statusNode(ctx, listName, StatusLoop)}
		}
		out = append(out, sub...)
		if *ctx.count > r.maxRecips {
			return nil
		}
	}
	return out
}

// expandPublic resolves a public list: access check, member expansion with
// personal lists suppressed, the no-show/no-err sweep, then the synthetic
// node standing in for the list itself.
func (r *Resolver) expandPublic(listName, contents string, ctx *rctx) List {
	uid := -1
	if ctx.sender != nil {
		uid = ctx.sender.UID
	}
	bits, err := r.lists.SendAccess(uid, listName)
	if err != nil {
		r.logger.Error().Err(err).Str("list", listName).Msg("Send access check failed")
		return List{r.statusNode(ctx, listName, StatusNoDirectory)}
	}
	if bits&mlist.AccessSend == 0 {
		return List{r.statusNode(ctx, listName, StatusSendDenied)}
	}
	child := ctx.child(ctx.depth+1, nil)
	var out List
	for _, m := range members(contents) {
		sub := r.resolveName(m, child)
		if sub.HasLoop() {
			return List{r.statusNode(ctx, listName, StatusLoop)}
		}
		out = append(out, sub...)
		if *ctx.count > r.maxRecips {
			return nil
		}
	}
	for _, n := range out {
		n.NoShow = true
		n.NoErr = true
	}
	tail := r.newNode(ctx)
	tail.Name = listName
	tail.Addr = addr.AddHost(listName, r.mailHost)
	tail.NoSend = true
	return append(out, tail)
}

// resolveSingle resolves a name with list matching already ruled out.
// allowUID admits the "#<uid>" direct reference, which only the owner-alias
// and directory-host shortcut paths may use.
func (r *Resolver) resolveSingle(name string, ctx *rctx, allowUID bool) List {
	display, address, err := addr.SplitNameAddr(name)
	if err != nil {
		return List{r.statusNode(ctx, name, StatusBadAddress)}
	}
	address = addr.Clean(address)
	if address == "" {
		return List{r.statusNode(ctx, name, StatusBadAddress)}
	}
	if display == "" {
		display = name
	}

	// The sender's own mailbox.
	if ctx.sender != nil && strings.EqualFold(address, "me") {
		return r.finishLocal(ctx.sender, "", ctx)
	}

	// The privileged broadcast alias is not a real mailbox: no forwarding.
	if ctx.sender != nil && ctx.sender.Privileged && r.allUsers != "" &&
		strings.EqualFold(address, r.allUsers) {
		n := r.newNode(ctx)
		n.Name = r.allUsers
		n.UID = BroadcastUID
		n.Local = true
		n.ResolvedAt = time.Now()
		return List{n}
	}

	// user@<directory pseudo-host>: resolve user via the directory.
	if user, host, ok := addr.SplitUserHost(trimAngle(address)); ok &&
		addr.MatchHost(host, r.hosts.DNDHosts, r.hosts.DomainSuffixes) >= 0 {
		e, lerr := r.dir.Lookup(user, lookupFields)
		if lerr != nil {
			if r.hubHost != "" && !errors.Is(lerr, dnd.ErrUnavailable) {
				// The hub is the authority; hand the address on unresolved.
				n := r.newNode(ctx)
				n.Name = display
				n.Addr = address
				return List{n}
			}
			return List{r.errNode(ctx, user, lerr)}
		}
		return r.resolveViaEntry(display, user, e, ctx)
	}

	if !addr.LooksInternet(address) {
		e, lerr := r.lookup(address, allowUID)
		if lerr != nil {
			return List{r.errNode(ctx, address, lerr)}
		}
		return r.resolveViaEntry(display, address, e, ctx)
	}
	return r.resolveInternet(display, address, ctx)
}

// resolveViaEntry continues after a successful directory lookup of name.
// When the directory's preferred address is just name at our own mail host,
// this is local delivery; otherwise resolution continues with the preferred
// address, without consuming depth budget.
func (r *Resolver) resolveViaEntry(display, name string, e *dnd.Entry, ctx *rctx) List {
	if e.MailAddr == "" ||
		r.equivalentAddr(e.MailAddr, addr.AddHost(name, r.mailHost)) ||
		addr.EquivalentNames(e.MailAddr, name) {
		return r.finishLocal(e, "", ctx)
	}
	return r.resolveInternet(display, e.MailAddr, ctx)
}

// resolveInternet handles a (possibly directory-substituted) internet-form
// address: syntax check, local/remote classification, public list splice,
// local identity lookup, or a verbatim remote node.
func (r *Resolver) resolveInternet(display, address string, ctx *rctx) List {
	na, err := addr.NormalizeInternet(address)
	if err != nil {
		return List{r.statusNode(ctx, address, StatusBadAddress)}
	}
	rewritten, local := r.hosts.Localize(na)
	if !local {
		n := r.newNode(ctx)
		n.Name = display
		n.Addr = rewritten
		return List{n}
	}
	// A directory entry or alias may point straight at a public list.
	if contents, found, lerr := r.lists.Public(mlist.Key(rewritten)); lerr == nil && found {
		return r.expandPublic(mlist.Key(rewritten), contents, ctx)
	}
	e, lerr := r.lookup(rewritten, false)
	if lerr != nil {
		return List{r.errNode(ctx, rewritten, lerr)}
	}
	return r.finishLocal(e, addr.AddHost(e.Name, r.mailHost), ctx)
}

// finishLocal builds the node for a directory identity delivered locally and
// runs forwarding resolution when the mailbox is homed on this server.
func (r *Resolver) finishLocal(e *dnd.Entry, rendered string, ctx *rctx) List {
	n := r.newNode(ctx)
	n.Name = e.Name
	n.Addr = rendered
	n.UID = e.UID
	n.ResolvedAt = time.Now()
	n.HomeServer = e.HomeServer
	n.Partition = e.Partition
	n.Local = true
	if !r.knownServer(e.HomeServer) {
		r.logger.Error().Str("name", e.Name).Str("server", e.HomeServer).
			Msg("Directory entry names an unknown home server")
		n.Status = StatusBadAddress
		return List{n}
	}
	if strings.EqualFold(e.HomeServer, r.thisServer) {
		return r.resolveForward(n, ctx)
	}
	return List{n}
}

// lookup queries the directory, refusing the #uid reference form outside the
// paths allowed to use it.
func (r *Resolver) lookup(name string, allowUID bool) (*dnd.Entry, error) {
	if !allowUID {
		if _, isRef := dnd.ParseUIDRef(name); isRef {
			return nil, dnd.ErrNotFound
		}
	}
	return r.dir.Lookup(name, lookupFields)
}

// equivalentAddr compares two internet addresses modulo case and delimiter
// normalization of the user part and alias matching of the host part.
func (r *Resolver) equivalentAddr(a, b string) bool {
	ua, ha, oka := addr.SplitUserHost(trimAngle(a))
	ub, hb, okb := addr.SplitUserHost(trimAngle(b))
	if !oka || !okb {
		return addr.EquivalentNames(a, b)
	}
	return addr.EquivalentNames(ua, ub) &&
		addr.MatchHost(ha, []string{hb}, r.hosts.DomainSuffixes) >= 0
}

func (r *Resolver) knownServer(server string) bool {
	if server == "" {
		return false
	}
	if strings.EqualFold(server, r.thisServer) {
		return true
	}
	if len(r.servers) == 0 {
		return true
	}
	for _, s := range r.servers {
		if strings.EqualFold(s, server) {
			return true
		}
	}
	return false
}

// newNode appends to the running recipient count and returns a fresh node.
// Every node ever built counts toward the cap, even ones later discarded by
// a loop abort; the slight over-count is deliberate slack under a hard cap.
func (r *Resolver) newNode(ctx *rctx) *Recipient {
	*ctx.count++
	return &Recipient{Status: StatusOK}
}

func (r *Resolver) statusNode(ctx *rctx, name string, st Status) *Recipient {
	n := r.newNode(ctx)
	n.Name = name
	n.Status = st
	return n
}

func (r *Resolver) errNode(ctx *rctx, name string, err error) *Recipient {
	st := StatusNoDirectory
	switch {
	case errors.Is(err, dnd.ErrAmbiguous):
		st = StatusAmbiguous
	case errors.Is(err, dnd.ErrNotFound):
		st = StatusBadAddress
	}
	return r.statusNode(ctx, name, st)
}

// members splits list contents into its non-blank lines.
func members(contents string) []string {
	var out []string
	for _, line := range strings.Split(contents, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func trimAngle(s string) string {
	for len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
