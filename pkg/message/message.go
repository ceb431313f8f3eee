// Package message contains message handling logic.
package message

import (
	"io"
	"net/mail"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
	enmime "github.com/jhillyerd/enmime/v2"
)

// Metadata holds information about a message, but not the content.
type Metadata struct {
	UID     int    // owning identity id
	Mailbox string // owner canonical name
	ID      string
	From    *mail.Address
	To      []*mail.Address
	Date    time.Time
	Subject string
	Size    int64
	Seen    bool
}

// Message holds both the metadata and content of a message.
type Message struct {
	Metadata
	env *enmime.Envelope
}

// Text returns the plain text body.
func (m *Message) Text() string {
	return m.env.Text
}

// HTML returns the HTML body, empty when the message has none.
func (m *Message) HTML() string {
	return m.env.HTML
}

// Header returns the value of the named message header.
func (m *Message) Header(name string) string {
	return m.env.GetHeader(name)
}

// Attachments returns the decoded attachment parts.
func (m *Message) Attachments() []*enmime.Part {
	return m.env.Attachments
}

// Delivery is used to add a message to storage.
type Delivery struct {
	Meta   Metadata
	Reader io.Reader
}

var _ storage.Message = &Delivery{}

// Mailbox returns the owning identity id.
func (d *Delivery) Mailbox() int { return d.Meta.UID }

// ID getter.
func (d *Delivery) ID() string { return d.Meta.ID }

// From getter.
func (d *Delivery) From() *mail.Address { return d.Meta.From }

// To getter.
func (d *Delivery) To() []*mail.Address { return d.Meta.To }

// Date getter.
func (d *Delivery) Date() time.Time { return d.Meta.Date }

// Subject getter.
func (d *Delivery) Subject() string { return d.Meta.Subject }

// Size getter.
func (d *Delivery) Size() int64 { return d.Meta.Size }

// Seen getter; always false for new deliveries.
func (d *Delivery) Seen() bool { return false }

// Source contains the raw content of the message.
func (d *Delivery) Source() (io.ReadCloser, error) {
	return io.NopCloser(d.Reader), nil
}
