package message

import (
	"bytes"
	"io"
	"net/mail"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/msghub"
	"github.com/freefal/blitzmail-server-sub000/pkg/resolve"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
	enmime "github.com/jhillyerd/enmime/v2"
	"github.com/rs/zerolog/log"
)

// Manager is the interface controllers use to interact with messages.
type Manager interface {
	Deliver(from string, recips resolve.List, content []byte) (ids []string, err error)
	GetMetadata(uid int) ([]*Metadata, error)
	GetMessage(uid int, id string) (*Message, error)
	MarkSeen(uid int, id string) error
	PurgeMessages(uid int) error
	RemoveMessage(uid int, id string) error
	SourceReader(uid int, id string) (io.ReadCloser, error)
}

// StoreManager is a message Manager backed by the storage.Store.
type StoreManager struct {
	Store storage.Store
	Hub   *msghub.Hub
}

// Deliver stores one copy of the message for every deliverable local
// recipient, fanning the broadcast pseudo recipient out to every mailbox the
// store knows.  Remote recipients are the transport's problem, not ours.
func (s *StoreManager) Deliver(from string, recips resolve.List, source []byte) ([]string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(source))
	if err != nil {
		return nil, err
	}
	fromaddr, err := env.AddressList("From")
	if err != nil || len(fromaddr) == 0 {
		fromaddr = []*mail.Address{{Address: from}}
	}
	toaddr, err := env.AddressList("To")
	if err != nil || len(toaddr) == 0 {
		toaddr = headerRecipients(recips)
	}
	subject := env.GetHeader("Subject")
	now := time.Now()

	var ids []string
	for _, n := range recips.Local() {
		if n.UID == resolve.BroadcastUID {
			berr := s.Store.VisitMailboxes(func(uid int, _ []storage.Message) bool {
				id, aerr := s.deliverOne(uid, n.Name, fromaddr[0], toaddr, subject, now, source)
				if aerr != nil {
					err = aerr
					return false
				}
				ids = append(ids, id)
				return true
			})
			if berr != nil {
				return ids, berr
			}
			if err != nil {
				return ids, err
			}
			continue
		}
		id, aerr := s.deliverOne(n.UID, n.Name, fromaddr[0], toaddr, subject, now, source)
		if aerr != nil {
			return ids, aerr
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *StoreManager) deliverOne(
	uid int,
	mailbox string,
	from *mail.Address,
	to []*mail.Address,
	subject string,
	date time.Time,
	source []byte,
) (string, error) {
	log.Debug().Str("module", "message").Int("uid", uid).Str("mailbox", mailbox).
		Msg("Delivering message")
	delivery := &Delivery{
		Meta: Metadata{
			UID:     uid,
			Mailbox: mailbox,
			From:    from,
			To:      to,
			Date:    date,
			Subject: subject,
			Size:    int64(len(source)),
		},
		Reader: bytes.NewReader(source),
	}
	id, err := s.Store.AddMessage(delivery)
	if err != nil {
		return "", err
	}
	if s.Hub != nil {
		s.Hub.Dispatch(msghub.Event{
			Mailbox: mailbox,
			UID:     uid,
			ID:      id,
			From:    from.String(),
			To:      stringAddresses(to),
			Subject: subject,
			Date:    date,
			Size:    int64(len(source)),
		})
	}
	return id, nil
}

// GetMetadata returns a slice of metadata for the specified mailbox.
func (s *StoreManager) GetMetadata(uid int) ([]*Metadata, error) {
	messages, err := s.Store.GetMessages(uid)
	if err != nil {
		return nil, err
	}
	metas := make([]*Metadata, len(messages))
	for i, sm := range messages {
		metas[i] = makeMetadata(sm)
	}
	return metas, nil
}

// GetMessage returns the specified message with its parsed envelope.
func (s *StoreManager) GetMessage(uid int, id string) (*Message, error) {
	sm, err := s.Store.GetMessage(uid, id)
	if err != nil {
		return nil, err
	}
	r, err := sm.Source()
	if err != nil {
		return nil, err
	}
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	_ = r.Close()
	header := makeMetadata(sm)
	return &Message{Metadata: *header, env: env}, nil
}

// MarkSeen marks the message as having been read.
func (s *StoreManager) MarkSeen(uid int, id string) error {
	log.Debug().Str("module", "message").Int("uid", uid).Str("id", id).
		Msg("Marking as seen")
	return s.Store.MarkSeen(uid, id)
}

// PurgeMessages removes all messages from the specified mailbox.
func (s *StoreManager) PurgeMessages(uid int) error {
	return s.Store.PurgeMessages(uid)
}

// RemoveMessage deletes the specified message.
func (s *StoreManager) RemoveMessage(uid int, id string) error {
	return s.Store.RemoveMessage(uid, id)
}

// SourceReader allows the stored message source to be read.
func (s *StoreManager) SourceReader(uid int, id string) (io.ReadCloser, error) {
	sm, err := s.Store.GetMessage(uid, id)
	if err != nil {
		return nil, err
	}
	return sm.Source()
}

// headerRecipients renders the header-visible recipients of a resolved list.
func headerRecipients(recips resolve.List) []*mail.Address {
	var out []*mail.Address
	for _, n := range recips {
		if n.NoShow || n.Status != resolve.StatusOK {
			continue
		}
		out = append(out, &mail.Address{Name: n.Name, Address: n.Addr})
	}
	return out
}

func stringAddresses(addrs []*mail.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// makeMetadata populates Metadata from a storage.Message.
func makeMetadata(m storage.Message) *Metadata {
	return &Metadata{
		UID:     m.Mailbox(),
		ID:      m.ID(),
		From:    m.From(),
		To:      m.To(),
		Date:    m.Date(),
		Subject: m.Subject(),
		Size:    m.Size(),
		Seen:    m.Seen(),
	}
}
