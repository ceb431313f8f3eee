package resolve

import (
	"strings"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
	"github.com/freefal/blitzmail-server-sub000/pkg/dnd"
	"github.com/freefal/blitzmail-server-sub000/pkg/prefs"
)

// resolveForward applies the recipient's forwarding preference to a node
// homed on this server.  Forwarding is all-or-nothing: a loop anywhere in
// the forward expansion discards it and marks the original node, otherwise
// the original node survives header-only ahead of the hidden forwards.
func (r *Resolver) resolveForward(n *Recipient, ctx *rctx) List {
	if v, ok, err := r.prefs.Get(n.UID, prefs.KeyVacation); err != nil {
		r.logger.Warn().Err(err).Int("uid", n.UID).Msg("Vacation preference read failed")
	} else if ok && strings.TrimSpace(v) != "" {
		n.OnVacation = true
	}
	fwd, ok, err := r.prefs.Get(n.UID, prefs.KeyForward)
	if err != nil {
		// Deliver locally rather than bounce on a preference store fault.
		r.logger.Warn().Err(err).Int("uid", n.UID).Msg("Forwarding preference read failed")
		return List{n}
	}
	if !ok || strings.TrimSpace(fwd) == "" {
		return List{n}
	}

	// The forward field belongs to the recipient: their personal lists
	// apply, and no sender privileges carry over.
	owner := &dnd.Entry{
		UID:        n.UID,
		Name:       n.Name,
		HomeServer: n.HomeServer,
		Partition:  n.Partition,
	}
	child := &rctx{depth: ctx.depth + 1, count: ctx.count, sender: nil, listOwner: owner}
	var sub List
	for _, name := range addr.SplitField(fwd) {
		sub = append(sub, r.resolveName(name, child)...)
	}
	if sub.HasLoop() {
		n.Status = StatusLoop
		return List{n}
	}
	for _, f := range sub {
		f.NoShow = true
		if !f.Local && f.Status == StatusOK {
			// Remote copies carry the forwarding identity so the far end can
			// trace the local mailbox they stand in for.
			f.Name = n.Name
			f.UID = n.UID
			f.HomeServer = n.HomeServer
			f.Partition = n.Partition
			f.ResolvedAt = n.ResolvedAt
		}
	}
	n.NoSend = true
	return append(List{n}, sub...)
}
