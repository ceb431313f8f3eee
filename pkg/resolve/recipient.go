// Package resolve implements the recipient resolution engine: it turns an
// address field into an ordered list of delivery targets, expanding personal
// and public mailing lists, pseudo addresses and forwarding chains.
package resolve

import "time"

// Status describes the outcome of resolving one recipient.  It travels on
// the recipient node rather than as an error so one bad address never aborts
// its siblings.
type Status int

// Recipient statuses.
const (
	// StatusOK: resolved, deliverable.
	StatusOK Status = iota
	// StatusAmbiguous: the directory matched more than one identity.
	StatusAmbiguous
	// StatusBadAddress: syntax error, empty address, unresolvable name, or
	// an identity whose recorded home server is unrecognized.
	StatusBadAddress
	// StatusSendDenied: the public list exists but the sender lacks send
	// access.
	StatusSendDenied
	// StatusNoDirectory: the directory service could not be reached.
	StatusNoDirectory
	// StatusLoop: the recursion ceiling was reached or a cycle surfaced
	// during list or forwarding expansion.
	StatusLoop
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAmbiguous:
		return "ambiguous"
	case StatusBadAddress:
		return "bad address"
	case StatusSendDenied:
		return "send denied"
	case StatusNoDirectory:
		return "directory unavailable"
	case StatusLoop:
		return "forwarding loop"
	}
	return "unknown"
}

// BroadcastUID is the pseudo identity id of the all-users broadcast.
const BroadcastUID = -1

// Recipient is one resolved delivery target.
type Recipient struct {
	// Name is the human-facing display name: the directory canonical name
	// or the RFC 822 comment/display portion.
	Name string
	// Addr is the internet-format address; empty when delivery is local
	// and derivable from Name plus the server hostname.
	Addr string
	// UID is the directory identity id, set only when the address was
	// resolved via the directory.
	UID int
	// ResolvedAt is the resolution timestamp, set for local identities.
	ResolvedAt time.Time
	// HomeServer and Partition locate the mailbox when Local.
	HomeServer string
	Partition  string

	Local      bool // delivery is to this served domain
	NoSend     bool // appears in the header only, never delivered
	NoShow     bool // delivered but hidden from the header
	NoErr      bool // a bad status here must not fail the whole batch
	OnVacation bool // recipient has a vacation notice configured
	OneShot    bool // opaque passthrough consumed by enclosure cloning

	Status Status
}

// List is an ordered recipient sequence for one logical expansion.  New
// nodes append at the end; iteration starts at the first inserted node.
type List []*Recipient

// HasLoop reports whether any node carries StatusLoop.
func (l List) HasLoop() bool {
	for _, r := range l {
		if r.Status == StatusLoop {
			return true
		}
	}
	return false
}

// Local returns the nodes destined for local mailboxes that should actually
// receive the message.
func (l List) Local() List {
	var out List
	for _, r := range l {
		if r.Local && !r.NoSend && r.Status == StatusOK {
			out = append(out, r)
		}
	}
	return out
}

// Remote returns the deliverable nodes addressed beyond this server.
func (l List) Remote() List {
	var out List
	for _, r := range l {
		if !r.Local && !r.NoSend && r.Status == StatusOK {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the nodes whose status should be reported to the sender:
// bad statuses not flagged NoErr.
func (l List) Failed() List {
	var out List
	for _, r := range l {
		if r.Status != StatusOK && !r.NoErr {
			out = append(out, r)
		}
	}
	return out
}
