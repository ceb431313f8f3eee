package web

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/msghub"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// expWebSocketConnectsCurrent tracks the number of open monitor sockets.
var expWebSocketConnectsCurrent = new(expvar.Int)

func init() {
	m := expvar.NewMap("http")
	m.Set("WebSocketConnectsCurrent", expWebSocketConnectsCurrent)
}

// options for gorilla connection upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// jsonMonitorEvent is one delivery event on the monitor socket.
type jsonMonitorEvent struct {
	Variant string            `json:"variant"`
	Header  jsonMessageHeader `json:"header"`
}

// msgListener relays delivery events from the hub to one WebSocket.
type msgListener struct {
	hub       *msghub.Hub
	c         chan *jsonMonitorEvent
	closeOnce sync.Once
}

// newMsgListener creates a listener and registers it with the hub, which
// replays its recent event history first.
func newMsgListener(hub *msghub.Hub) *msgListener {
	ml := &msgListener{
		hub: hub,
		c:   make(chan *jsonMonitorEvent, 100),
	}
	hub.AddListener(ml)
	return ml
}

// Receive handles an incoming delivery event.
func (ml *msgListener) Receive(ev msghub.Event) error {
	ml.c <- &jsonMonitorEvent{
		Variant: "message-stored",
		Header: jsonMessageHeader{
			Mailbox: ev.Mailbox,
			UID:     ev.UID,
			ID:      ev.ID,
			From:    ev.From,
			To:      ev.To,
			Subject: ev.Subject,
			Date:    ev.Date,
			Size:    ev.Size,
		},
	}
	return nil
}

// wsReader makes sure the client is still connected, discarding any messages
// it sends.
func (ml *msgListener) wsReader(conn *websocket.Conn) {
	slog := log.With().Str("module", "web").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()
	defer ml.close()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn().Err(err).Msg("Failed to setup read deadline")
	}
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn().Err(err).Msg("Failed to set read deadline in pong")
		}
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				slog.Warn().Err(err).Msg("Socket error")
			} else {
				slog.Debug().Msg("Closing socket")
			}
			break
		}
	}
}

// wsWriter relays events to the client and pings it periodically.
func (ml *msgListener) wsWriter(conn *websocket.Conn) {
	slog := log.With().Str("module", "web").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ml.close()
	}()

	for {
		select {
		case event, ok := <-ml.c:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Warn().Err(err).Msg("Failed to set write deadline for msg")
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if conn.WriteJSON(event) != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Warn().Err(err).Msg("Failed to set write deadline for ping")
			}
			if conn.WriteMessage(websocket.PingMessage, []byte{}) != nil {
				return
			}
		}
	}
}

// close removes the listener registration.
func (ml *msgListener) close() {
	ml.closeOnce.Do(func() {
		ml.hub.RemoveListener(ml)
		close(ml.c)
	})
}

// monitorHandler upgrades the connection to a WebSocket and notifies the
// client of every delivered message.
func (s *Server) monitorHandler(w http.ResponseWriter, req *http.Request) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	expWebSocketConnectsCurrent.Add(1)
	defer func() {
		_ = conn.Close()
		expWebSocketConnectsCurrent.Add(-1)
	}()
	log.Debug().Str("module", "web").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Msg("Upgraded to WebSocket")
	ml := newMsgListener(s.hub)
	go ml.wsWriter(conn)
	ml.wsReader(conn)
	return nil
}
