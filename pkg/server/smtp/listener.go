// Package smtp implements the SMTP listener: mail submission plus the VRFY
// and EXPN views onto the recipient resolution engine.
package smtp

import (
	"context"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/message"
	"github.com/freefal/blitzmail-server-sub000/pkg/resolve"
	"github.com/rs/zerolog/log"
)

var (
	// Raw stat collectors
	expConnectsTotal   = new(expvar.Int)
	expConnectsCurrent = new(expvar.Int)
	expReceivedTotal   = new(expvar.Int)
)

func init() {
	m := expvar.NewMap("smtp")
	m.Set("ConnectsTotal", expConnectsTotal)
	m.Set("ConnectsCurrent", expConnectsCurrent)
	m.Set("ReceivedTotal", expReceivedTotal)
}

// Server holds the configuration and state of our SMTP server.
type Server struct {
	config         config.SMTP       // SMTP configuration.
	hostname       string            // Served mail hostname, for banners and headers.
	resolver       *resolve.Resolver // Recipient resolution engine.
	manager        message.Manager   // Used to deliver messages.
	globalShutdown chan bool         // Shuts down the whole daemon.
	listener       net.Listener      // Incoming network connections.
	wg             *sync.WaitGroup   // Waitgroup tracks individual sessions.
	notify         chan error        // Notify on fatal error.
}

// NewServer creates a new, unstarted, SMTP server instance.
func NewServer(
	smtpConfig config.SMTP,
	hostname string,
	globalShutdown chan bool,
	manager message.Manager,
	resolver *resolve.Resolver,
) *Server {
	return &Server{
		config:         smtpConfig,
		hostname:       hostname,
		resolver:       resolver,
		manager:        manager,
		globalShutdown: globalShutdown,
		wg:             new(sync.WaitGroup),
		notify:         make(chan error, 1),
	}
}

// Start the listener and handle incoming connections.
func (s *Server) Start(ctx context.Context) {
	slog := log.With().Str("module", "smtp").Str("phase", "startup").Logger()
	addr, err := net.ResolveTCPAddr("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to build tcp4 address")
		s.emergencyShutdown()
		return
	}
	slog.Info().Str("addr", addr.String()).Msg("SMTP listening on tcp4")
	s.listener, err = net.ListenTCP("tcp4", addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.emergencyShutdown()
		return
	}
	// Listener go routine.
	go s.serve(ctx)
	// Wait for shutdown.
	<-ctx.Done()
	slog = log.With().Str("module", "smtp").Str("phase", "shutdown").Logger()
	slog.Debug().Msg("SMTP shutdown requested, connections will be drained")
	// Closing the listener will cause the serve() go routine to exit.
	if err := s.listener.Close(); err != nil {
		slog.Error().Err(err).Msg("Failed to close SMTP listener")
	}
}

// serve is the listen/accept loop.
func (s *Server) serve(ctx context.Context) {
	var tempDelay time.Duration
	for sessionID := 1; ; sessionID++ {
		conn, err := s.listener.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				// Transient error, sleep for a bit and try again.
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Error().Str("module", "smtp").Err(err).
					Msgf("SMTP accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			select {
			case <-ctx.Done():
				// SMTP is shutting down.
				return
			default:
				// Something went wrong.
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

// Drain causes the caller to block until all active SMTP sessions have
// finished.
func (s *Server) Drain() {
	s.wg.Wait()
	log.Debug().Str("module", "smtp").Str("phase", "shutdown").Msg("SMTP connections have drained")
}

// Notify allows the running SMTP server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}
