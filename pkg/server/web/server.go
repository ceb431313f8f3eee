// Package web provides the monitor HTTP server: a status endpoint for
// operators and a WebSocket feed of delivery events.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/message"
	"github.com/freefal/blitzmail-server-sub000/pkg/msghub"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Server holds the configuration and state of the monitor HTTP server.
type Server struct {
	config         config.Web
	hostname       string
	manager        message.Manager
	hub            *msghub.Hub
	globalShutdown chan bool
	httpServer     *http.Server
	listener       net.Listener
	notify         chan error
	started        time.Time
}

// handler is an HTTP handler that may fail; failures are logged and reported
// as a 500 to the client.
type handler func(w http.ResponseWriter, req *http.Request) error

func (h handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := h(w, req); err != nil {
		log.Error().Str("module", "web").Str("uri", req.RequestURI).Err(err).
			Msg("Error handling request")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// NewServer creates a new, unstarted, monitor server.
func NewServer(
	webConfig config.Web,
	hostname string,
	globalShutdown chan bool,
	manager message.Manager,
	hub *msghub.Hub,
) *Server {
	s := &Server{
		config:         webConfig,
		hostname:       hostname,
		manager:        manager,
		hub:            hub,
		globalShutdown: globalShutdown,
		notify:         make(chan error, 1),
	}
	router := mux.NewRouter()
	router.Handle("/status", handler(s.statusHandler)).Methods("GET")
	router.Handle("/mailbox/{uid:[0-9]+}", handler(s.mailboxHandler)).Methods("GET")
	router.Handle("/mailbox/{uid:[0-9]+}/{id}", handler(s.messageHandler)).Methods("GET")
	router.Handle("/mailbox/{uid:[0-9]+}/{id}/source", handler(s.sourceHandler)).Methods("GET")
	router.Handle("/monitor/messages", handler(s.monitorHandler)).Methods("GET")
	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start the listener and serve HTTP requests until ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	slog := log.With().Str("module", "web").Str("phase", "startup").Logger()
	s.started = time.Now()
	var err error
	s.listener, err = net.Listen("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.emergencyShutdown()
		return
	}
	slog.Info().Str("addr", s.config.Addr).Msg("Monitor HTTP listening on tcp4")
	go s.serve(ctx)
	<-ctx.Done()
	log.Debug().Str("module", "web").Str("phase", "shutdown").
		Msg("HTTP shutdown requested")
	if err := s.listener.Close(); err != nil {
		log.Error().Str("module", "web").Err(err).Msg("Failed to close HTTP listener")
	}
}

func (s *Server) serve(ctx context.Context) {
	err := s.httpServer.Serve(s.listener)
	select {
	case <-ctx.Done():
	default:
		s.notify <- err
		close(s.notify)
		s.emergencyShutdown()
	}
}

func (s *Server) emergencyShutdown() {
	select {
	case <-s.globalShutdown:
	default:
		close(s.globalShutdown)
	}
}

// Notify allows the running monitor server to be watched for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}
