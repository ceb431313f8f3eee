// Package mlist provides personal and public mailing list storage.
package mlist

import (
	"errors"
	"strings"
	"sync"
)

// Access is a set of permission bits on a public list.
type Access uint8

// Permission bits.
const (
	AccessSend Access = 1 << iota
	AccessRead
	AccessWrite
)

// ErrBadName indicates a list name the store cannot represent.
var ErrBadName = errors.New("invalid list name")

// Store is the mailing list persistence interface consumed by the resolver.
// List contents are newline-delimited member addresses.  Cross-server
// replication of public lists happens behind this interface.
type Store interface {
	// Personal returns the named personal list of the given identity.
	Personal(ownerUID int, name string) (contents string, ok bool, err error)

	// Public returns the named public list hosted on this server.
	Public(name string) (contents string, ok bool, err error)

	// Owner returns the identity id owning the named public list.
	Owner(name string) (uid int, ok bool, err error)

	// SendAccess returns the access bits the identity holds on the named
	// public list.  A negative uid queries anonymous access.
	SendAccess(uid int, name string) (Access, error)
}

// Key normalizes a list name for storage lookup: cleaned and lowercased.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// publicEntry is one public list held by MemStore.
type publicEntry struct {
	contents string
	ownerUID int
	hasOwner bool
	sendAll  bool  // anyone may send
	senders  []int // explicit send grants
}

// MemStore is an in-memory Store used by tests and blitzctl dry runs.
type MemStore struct {
	mu       sync.RWMutex
	personal map[int]map[string]string
	public   map[string]*publicEntry
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		personal: make(map[int]map[string]string),
		public:   make(map[string]*publicEntry),
	}
}

// AddPersonal stores a personal list.
func (m *MemStore) AddPersonal(ownerUID int, name, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.personal[ownerUID] == nil {
		m.personal[ownerUID] = make(map[string]string)
	}
	m.personal[ownerUID][Key(name)] = contents
}

// AddPublic stores a public list open to all senders.
func (m *MemStore) AddPublic(name, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.public[Key(name)] = &publicEntry{contents: contents, sendAll: true}
}

// AddPublicRestricted stores a public list with an owner and an explicit
// sender grant table.
func (m *MemStore) AddPublicRestricted(name, contents string, ownerUID int, senders ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.public[Key(name)] = &publicEntry{
		contents: contents,
		ownerUID: ownerUID,
		hasOwner: true,
		senders:  senders,
	}
}

// Personal implements Store.
func (m *MemStore) Personal(ownerUID int, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contents, ok := m.personal[ownerUID][Key(name)]
	return contents, ok, nil
}

// Public implements Store.
func (m *MemStore) Public(name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.public[Key(name)]
	if !ok {
		return "", false, nil
	}
	return e.contents, true, nil
}

// Owner implements Store.
func (m *MemStore) Owner(name string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.public[Key(name)]
	if !ok || !e.hasOwner {
		return 0, false, nil
	}
	return e.ownerUID, true, nil
}

// SendAccess implements Store.
func (m *MemStore) SendAccess(uid int, name string) (Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.public[Key(name)]
	if !ok {
		return 0, nil
	}
	if e.sendAll {
		return AccessSend, nil
	}
	if e.hasOwner && uid >= 0 && uid == e.ownerUID {
		return AccessSend | AccessRead | AccessWrite, nil
	}
	for _, s := range e.senders {
		if uid >= 0 && uid == s {
			return AccessSend, nil
		}
	}
	return 0, nil
}
