package web

import (
	"encoding/json"
	"expvar"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/message"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
	"github.com/gorilla/mux"
)

// jsonStatus is the /status document.
type jsonStatus struct {
	Version   string          `json:"version"`
	BuildDate string          `json:"build-date"`
	Hostname  string          `json:"hostname"`
	Uptime    string          `json:"uptime"`
	SMTP      json.RawMessage `json:"smtp,omitempty"`
}

// jsonMessageHeader summarizes one stored message.
type jsonMessageHeader struct {
	Mailbox string    `json:"mailbox"`
	UID     int       `json:"uid"`
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Size    int64     `json:"size"`
	Seen    bool      `json:"seen"`
}

// jsonMessage adds the plain text body to the header.
type jsonMessage struct {
	jsonMessageHeader
	Body string `json:"body"`
}

func (s *Server) statusHandler(w http.ResponseWriter, req *http.Request) error {
	status := &jsonStatus{
		Version:   config.Version,
		BuildDate: config.BuildDate,
		Hostname:  s.hostname,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if v := expvar.Get("smtp"); v != nil {
		status.SMTP = json.RawMessage(v.String())
	}
	return writeJSON(w, status)
}

// mailboxHandler lists the metadata of every message in a mailbox.
func (s *Server) mailboxHandler(w http.ResponseWriter, req *http.Request) error {
	uid, _ := strconv.Atoi(mux.Vars(req)["uid"])
	metas, err := s.manager.GetMetadata(uid)
	if err != nil {
		return err
	}
	headers := make([]*jsonMessageHeader, len(metas))
	for i, m := range metas {
		headers[i] = makeJSONHeader(m)
	}
	return writeJSON(w, headers)
}

// messageHandler returns one message with its text body.
func (s *Server) messageHandler(w http.ResponseWriter, req *http.Request) error {
	vars := mux.Vars(req)
	uid, _ := strconv.Atoi(vars["uid"])
	msg, err := s.manager.GetMessage(uid, vars["id"])
	if err != nil {
		if err == storage.ErrNotExist {
			http.NotFound(w, req)
			return nil
		}
		return err
	}
	return writeJSON(w, &jsonMessage{
		jsonMessageHeader: *makeJSONHeader(&msg.Metadata),
		Body:              msg.Text(),
	})
}

// sourceHandler streams the raw message source.
func (s *Server) sourceHandler(w http.ResponseWriter, req *http.Request) error {
	vars := mux.Vars(req)
	uid, _ := strconv.Atoi(vars["uid"])
	r, err := s.manager.SourceReader(uid, vars["id"])
	if err != nil {
		if err == storage.ErrNotExist {
			http.NotFound(w, req)
			return nil
		}
		return err
	}
	defer func() { _ = r.Close() }()
	w.Header().Set("Content-Type", "text/plain")
	_, err = io.Copy(w, r)
	return err
}

func makeJSONHeader(m *message.Metadata) *jsonMessageHeader {
	return &jsonMessageHeader{
		Mailbox: m.Mailbox,
		UID:     m.UID,
		ID:      m.ID,
		From:    addressString(m.From),
		To:      addressStrings(m.To),
		Subject: m.Subject,
		Date:    m.Date,
		Size:    m.Size,
		Seen:    m.Seen,
	}
}

func addressString(a *mail.Address) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func addressStrings(addrs []*mail.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
