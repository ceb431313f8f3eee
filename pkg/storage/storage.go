// Package storage contains implementation independent mailbox store logic.
package storage

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
)

// ErrNotExist indicates the requested message does not exist.
var ErrNotExist = errors.New("message does not exist")

// Message represents a message stored in a mailbox.  Mailboxes are keyed by
// the directory identity id of their owner.
type Message interface {
	Mailbox() int
	ID() string
	From() *mail.Address
	To() []*mail.Address
	Date() time.Time
	Subject() string
	Size() int64
	Seen() bool
	Source() (io.ReadCloser, error)
}

// Store is the mailbox persistence interface.
type Store interface {
	// AddMessage stores the message; the assigned ID is returned.
	AddMessage(m Message) (id string, err error)
	GetMessage(uid int, id string) (Message, error)
	GetMessages(uid int) ([]Message, error)
	MarkSeen(uid int, id string) error
	RemoveMessage(uid int, id string) error
	PurgeMessages(uid int) error
	// VisitMailboxes visits each mailbox in the store until f returns false.
	VisitMailboxes(f func(uid int, msgs []Message) (cont bool)) error
}

// Constructor builds a Store from configuration.
type Constructor func(config.Storage) (Store, error)

// Constructors tracks registered storage implementations by type name.
var Constructors = make(map[string]Constructor)

// FromConfig builds the Store named by the configuration.
func FromConfig(cfg config.Storage) (Store, error) {
	c, ok := Constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	return c(cfg)
}
