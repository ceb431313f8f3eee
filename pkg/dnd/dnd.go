// Package dnd defines the campus directory service interface used to turn
// names into identities, and an in-memory implementation of it.
package dnd

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
)

var (
	// ErrAmbiguous indicates a name matched more than one identity.
	ErrAmbiguous = errors.New("name is ambiguous")

	// ErrNotFound indicates no identity matched the name.
	ErrNotFound = errors.New("name not found")

	// ErrUnavailable indicates the directory could not be reached.
	ErrUnavailable = errors.New("directory service unavailable")
)

// Field names a directory lookup may request.
const (
	FieldName      = "name"
	FieldUID       = "uid"
	FieldMailAddr  = "mailaddr"
	FieldBlitzServ = "blitzserv"
	FieldBlitzInfo = "blitzinfo"
	FieldPrivs     = "privs"
	FieldExpires   = "expires"
)

// Entry is one resolved directory identity.
type Entry struct {
	UID        int    // unique identity id
	Name       string // canonical display name
	MailAddr   string // preferred mail address
	HomeServer string // server owning the mailbox
	Partition  string // disk partition on the home server
	Privileged bool   // may use the broadcast alias
	Expires    string // account expiration, empty when unset
}

// Directory resolves a human name or a "#<uid>" reference to an identity.
// Implementations must return ErrAmbiguous, ErrNotFound or ErrUnavailable
// (possibly wrapped) on failure.
type Directory interface {
	Lookup(name string, fields []string) (*Entry, error)
}

// MemDirectory is a Directory backed by an in-process table.  It serves
// tests, blitzctl dry runs and single-host deployments.
type MemDirectory struct {
	mu      sync.RWMutex
	entries []Entry
	down    bool
}

// NewMemDirectory returns an empty MemDirectory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{}
}

// Add registers an entry.
func (d *MemDirectory) Add(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

// SetDown makes every lookup fail with ErrUnavailable, for tests.
func (d *MemDirectory) SetDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// Lookup implements Directory.  Names match their canonical form modulo
// case and delimiter normalization; "#<uid>" references match exactly one
// identity by id.
func (d *MemDirectory) Lookup(name string, fields []string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.down {
		return nil, ErrUnavailable
	}
	if uid, ok := ParseUIDRef(name); ok {
		for i := range d.entries {
			if d.entries[i].UID == uid {
				e := d.entries[i]
				return &e, nil
			}
		}
		return nil, ErrNotFound
	}
	var found *Entry
	for i := range d.entries {
		if addr.EquivalentNames(d.entries[i].Name, name) {
			if found != nil {
				return nil, ErrAmbiguous
			}
			e := d.entries[i]
			found = &e
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ParseUIDRef parses the "#<uid>" direct reference form.
func ParseUIDRef(name string) (int, bool) {
	if !strings.HasPrefix(name, "#") {
		return 0, false
	}
	uid, err := strconv.Atoi(name[1:])
	if err != nil {
		return 0, false
	}
	return uid, true
}

// UIDRef renders the direct reference form for an identity id.
func UIDRef(uid int) string {
	return "#" + strconv.Itoa(uid)
}
