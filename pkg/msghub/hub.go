// Package msghub provides a central broadcast hub for delivery events, with
// bounded history playback for late subscribers.
package msghub

import (
	"container/ring"
	"context"
	"time"
)

// Length of hub operation queue.
const opChanLen = 100

// Event describes one message delivered to a local mailbox.
type Event struct {
	Mailbox string    // canonical owner name
	UID     int       // owner identity id
	ID      string    // message id within the mailbox
	From    string    // sender address
	To      []string  // visible recipients
	Subject string    // decoded subject header
	Date    time.Time // delivery timestamp
	Size    int64     // stored size in bytes
}

// Listener receives the contents of the history buffer, followed by new
// events.
type Listener interface {
	Receive(ev Event) error
}

// Hub relays delivery events to its listeners.  All state is owned by the
// actor goroutine started by Start; the exported methods only queue
// operations.
type Hub struct {
	// history buffer, points at the next slot to write; the following
	// non-nil entry is the oldest event
	history   *ring.Ring
	listeners map[Listener]struct{}
	opChan    chan func(h *Hub)
}

// New constructs a Hub caching historyLen events for playback to future
// listeners.
func New(historyLen int) *Hub {
	return &Hub{
		history:   ring.New(historyLen),
		listeners: make(map[Listener]struct{}),
		opChan:    make(chan func(h *Hub), opChanLen),
	}
}

// Start runs the hub processing loop until ctx is canceled.
func (hub *Hub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(hub.opChan)
			return
		case op := <-hub.opChan:
			op(hub)
		}
	}
}

// Dispatch queues an event for broadcast.  It lands in the history buffer
// and is then relayed to every registered listener; listeners returning an
// error are dropped.
func (hub *Hub) Dispatch(ev Event) {
	hub.opChan <- func(h *Hub) {
		if h.history != nil {
			h.history.Value = ev
			h.history = h.history.Next()
			for l := range h.listeners {
				if err := l.Receive(ev); err != nil {
					delete(h.listeners, l)
				}
			}
		}
	}
}

// AddListener registers a listener, first replaying the history buffer to
// it.
func (hub *Hub) AddListener(l Listener) {
	hub.opChan <- func(h *Hub) {
		h.history.Do(func(v interface{}) {
			if v != nil {
				_ = l.Receive(v.(Event))
			}
		})
		h.listeners[l] = struct{}{}
	}
}

// RemoveListener deletes a listener registration.
func (hub *Hub) RemoveListener(l Listener) {
	hub.opChan <- func(h *Hub) {
		delete(h.listeners, l)
	}
}

// Sync blocks until the hub has processed its queue up to this point, useful
// for unit tests.
func (hub *Hub) Sync() {
	done := make(chan struct{})
	hub.opChan <- func(h *Hub) {
		close(done)
	}
	<-done
}
