// Package pop3 implements the POP3 listener used by legacy mail clients to
// fetch their mailbox from this server.
package pop3

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/dnd"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
	"github.com/rs/zerolog/log"
)

// Server holds the configuration and state of our POP3 server.
type Server struct {
	config         config.POP3   // POP3 configuration.
	hostname       string        // Served mail hostname, for the banner.
	dir            dnd.Directory // Authenticates mailbox owners.
	store          storage.Store // Mailbox store.
	globalShutdown chan bool     // Shuts down the whole daemon.
	listener       net.Listener  // Incoming network connections.
	wg             *sync.WaitGroup
	notify         chan error // Notify on fatal error.
}

// NewServer creates a new, unstarted, POP3 server instance.
func NewServer(
	pop3Config config.POP3,
	hostname string,
	globalShutdown chan bool,
	dir dnd.Directory,
	store storage.Store,
) *Server {
	return &Server{
		config:         pop3Config,
		hostname:       hostname,
		dir:            dir,
		store:          store,
		globalShutdown: globalShutdown,
		wg:             new(sync.WaitGroup),
		notify:         make(chan error, 1),
	}
}

// Start the listener and handle incoming connections.
func (s *Server) Start(ctx context.Context) {
	slog := log.With().Str("module", "pop3").Str("phase", "startup").Logger()
	addr, err := net.ResolveTCPAddr("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to build tcp4 address")
		s.emergencyShutdown()
		return
	}
	slog.Info().Str("addr", addr.String()).Msg("POP3 listening on tcp4")
	s.listener, err = net.ListenTCP("tcp4", addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.emergencyShutdown()
		return
	}
	go s.serve(ctx)
	<-ctx.Done()
	slog = log.With().Str("module", "pop3").Str("phase", "shutdown").Logger()
	slog.Debug().Msg("POP3 shutdown requested, connections will be drained")
	if err := s.listener.Close(); err != nil {
		slog.Error().Err(err).Msg("Failed to close POP3 listener")
	}
}

// serve is the listen/accept loop.
func (s *Server) serve(ctx context.Context) {
	var tempDelay time.Duration
	for sessionID := 1; ; sessionID++ {
		conn, err := s.listener.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Error().Str("module", "pop3").Err(err).
					Msgf("POP3 accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.notify <- err
				close(s.notify)
				s.emergencyShutdown()
				return
			}
		}
		tempDelay = 0
		go s.startSession(sessionID, conn)
	}
}

func (s *Server) emergencyShutdown() {
	select {
	case <-s.globalShutdown:
	default:
		close(s.globalShutdown)
	}
}

// Drain causes the caller to block until all active POP3 sessions have
// finished.
func (s *Server) Drain() {
	s.wg.Wait()
	log.Debug().Str("module", "pop3").Str("phase", "shutdown").Msg("POP3 connections have drained")
}

// Notify allows the running POP3 server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}
