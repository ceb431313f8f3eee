// Package mem implements an in-memory mailbox store.
package mem

import (
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
)

func init() {
	storage.Constructors["memory"] = New
}

// Store implements an in-memory message store.
type Store struct {
	sync.Mutex
	boxes map[int]*mbox
	cap   int // Per-mailbox message cap.
}

type mbox struct {
	sync.RWMutex
	uid      int
	last     int
	first    int
	messages map[string]*Message
}

var _ storage.Store = &Store{}

// New returns an empty memory store.
func New(cfg config.Storage) (storage.Store, error) {
	return &Store{
		boxes: make(map[int]*mbox),
		cap:   cfg.MailboxMsgCap,
	}, nil
}

// AddMessage stores the message; ID and Size on the input are ignored.
func (s *Store) AddMessage(message storage.Message) (id string, err error) {
	r, ierr := message.Source()
	if ierr != nil {
		return "", ierr
	}
	source, ierr := io.ReadAll(r)
	if ierr != nil {
		return "", ierr
	}
	m := &Message{
		mailbox: message.Mailbox(),
		from:    message.From(),
		to:      message.To(),
		date:    message.Date(),
		subject: message.Subject(),
	}
	s.withMailbox(message.Mailbox(), true, func(mb *mbox) {
		// Generate message ID.
		mb.last++
		m.index = mb.last
		id = strconv.Itoa(mb.last)
		m.id = id
		m.source = source
		mb.messages[id] = m

		if s.cap > 0 {
			// Enforce cap, oldest first.
			for len(mb.messages) > s.cap {
				delete(mb.messages, strconv.Itoa(mb.first))
				mb.first++
			}
		}
	})
	return id, err
}

// GetMessage gets a message.
func (s *Store) GetMessage(uid int, id string) (m storage.Message, err error) {
	s.withMailbox(uid, false, func(mb *mbox) {
		var ok bool
		m, ok = mb.messages[id]
		if !ok {
			m = nil
		}
	})
	if m == nil {
		return nil, storage.ErrNotExist
	}
	return m, err
}

// GetMessages gets a list of messages in stored order.
func (s *Store) GetMessages(uid int) (ms []storage.Message, err error) {
	s.withMailbox(uid, false, func(mb *mbox) {
		ms = make([]storage.Message, 0, len(mb.messages))
		for _, v := range mb.messages {
			ms = append(ms, v)
		}
		sort.Slice(ms, func(i, j int) bool {
			return ms[i].(*Message).index < ms[j].(*Message).index
		})
	})
	return ms, err
}

// MarkSeen marks a message as having been read.
func (s *Store) MarkSeen(uid int, id string) error {
	s.withMailbox(uid, true, func(mb *mbox) {
		m := mb.messages[id]
		if m != nil {
			m.seen = true
		}
	})
	return nil
}

// RemoveMessage deletes a single message.
func (s *Store) RemoveMessage(uid int, id string) error {
	s.withMailbox(uid, true, func(mb *mbox) {
		delete(mb.messages, id)
	})
	return nil
}

// PurgeMessages deletes the contents of a mailbox.
func (s *Store) PurgeMessages(uid int) error {
	s.withMailbox(uid, true, func(mb *mbox) {
		mb.messages = make(map[string]*Message)
	})
	return nil
}

// VisitMailboxes visits each mailbox in the store.
func (s *Store) VisitMailboxes(f func(uid int, msgs []storage.Message) (cont bool)) error {
	s.Lock()
	uids := make([]int, 0, len(s.boxes))
	for k := range s.boxes {
		uids = append(uids, k)
	}
	s.Unlock()
	sort.Ints(uids)
	for _, uid := range uids {
		ms, _ := s.GetMessages(uid)
		if !f(uid, ms) {
			break
		}
	}
	return nil
}

// withMailbox gets or creates a mailbox, locks it, then calls f.
func (s *Store) withMailbox(uid int, writeLock bool, f func(mb *mbox)) {
	s.Lock()
	mb, ok := s.boxes[uid]
	if !ok {
		mb = &mbox{
			uid:      uid,
			messages: make(map[string]*Message),
		}
		s.boxes[uid] = mb
	}
	s.Unlock()
	if writeLock {
		mb.Lock()
	} else {
		mb.RLock()
	}
	defer func() {
		if writeLock {
			mb.Unlock()
		} else {
			mb.RUnlock()
		}
	}()
	f(mb)
}
