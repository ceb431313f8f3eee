package smtp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
	"github.com/freefal/blitzmail-server-sub000/pkg/resolve"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State tracks the current mode of our SMTP state machine.
type State int

const (
	// GREET State: Waiting for HELO
	GREET State = iota
	// READY State: Got HELO, waiting for MAIL
	READY
	// MAIL State: Got MAIL, accepting RCPTs
	MAIL
	// DATA State: Got DATA, waiting for "."
	DATA
	// QUIT State: Client requested end of session
	QUIT
)

func (s State) String() string {
	switch s {
	case GREET:
		return "GREET"
	case READY:
		return "READY"
	case MAIL:
		return "MAIL"
	case DATA:
		return "DATA"
	case QUIT:
		return "QUIT"
	}
	return "Unknown"
}

// fromRegex captures the from address and optional ESMTP parameters, while
// accepting '>' as quoted pair and in double quoted strings.
var fromRegex = regexp.MustCompile(
	`(?i)^FROM:\s*<((?:(?:\\>|[^>])+|"[^"]+"@[^>])+)?>( ([\w= ]|=<>)+)?$`)

var commands = map[string]bool{
	"HELO": true,
	"EHLO": true,
	"MAIL": true,
	"RCPT": true,
	"DATA": true,
	"RSET": true,
	"SEND": true,
	"SOML": true,
	"SAML": true,
	"VRFY": true,
	"EXPN": true,
	"HELP": true,
	"NOOP": true,
	"QUIT": true,
	"TURN": true,
}

// Session holds the state of an SMTP session.
type Session struct {
	*Server                     // Server this session belongs to.
	id           int            // Session ID.
	conn         net.Conn       // TCP connection.
	remoteDomain string         // Remote domain from HELO command.
	remoteHost   string         // Remote host.
	sendError    error          // Last network send error.
	state        State          // Session state machine.
	from         string         // Sender from MAIL command.
	recipients   resolve.List   // Resolved recipients from RCPT commands.
	logger       zerolog.Logger // Session specific logger.
	debug        bool           // Print network traffic to stdout.
	text         *textproto.Conn
}

// NewSession creates a new Session for the given connection.
func NewSession(server *Server, id int, conn net.Conn, logger zerolog.Logger) *Session {
	remoteHost := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteHost); err == nil {
		remoteHost = host
	}
	return &Session{
		Server:     server,
		id:         id,
		conn:       conn,
		state:      GREET,
		remoteHost: remoteHost,
		logger:     logger,
		debug:      server.config.Debug,
		text:       textproto.NewConn(conn),
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{id: %v, state: %v}", s.id, s.state)
}

// Session flow:
//  1. Send initial greeting
//  2. Receive cmd
//  3. If good cmd, respond, optionally change state
//  4. If bad cmd, respond error
//  5. Goto 2
func (s *Server) startSession(id int, conn net.Conn) {
	logger := log.With().
		Str("module", "smtp").
		Str("remote", conn.RemoteAddr().String()).
		Int("session", id).Logger()
	logger.Info().Msg("Starting SMTP session")

	s.wg.Add(1)
	expConnectsCurrent.Add(1)
	expConnectsTotal.Add(1)
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing connection")
		}
		s.wg.Done()
		expConnectsCurrent.Add(-1)
	}()

	ssn := NewSession(s, id, conn, logger)
	ssn.greet()

	// This is our command reading loop.
	for ssn.state != QUIT && ssn.sendError == nil {
		if ssn.state == DATA {
			// Special case, does not use SMTP command format.
			ssn.dataHandler()
			continue
		}
		line, err := ssn.readLine()
		if err != nil {
			if err == io.EOF {
				switch ssn.state {
				case GREET, READY:
					// EOF is common here.
					ssn.logger.Info().Msgf("Client closed connection (state %v)", ssn.state)
				default:
					ssn.logger.Warn().Msgf("Got EOF while in state %v", ssn.state)
				}
				break
			}
			ssn.logger.Warn().Msgf("Connection error: %v", err)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				ssn.send("221 Idle timeout, bye bye")
				break
			}
			ssn.send("221 Connection error, sorry")
			break
		}
		cmd, arg, ok := ssn.parseCmd(line)
		if !ok {
			ssn.send("500 Syntax error, command garbled")
			continue
		}
		if cmd == "" {
			ssn.send("500 Speak up")
			continue
		}
		if !commands[cmd] {
			ssn.send(fmt.Sprintf("500 Syntax error, %v command unrecognized", cmd))
			ssn.logger.Warn().Msgf("Unrecognized command: %v", cmd)
			continue
		}

		// Commands we handle in any state.
		switch cmd {
		case "SEND", "SOML", "SAML", "HELP", "TURN":
			ssn.send(fmt.Sprintf("502 %v command not implemented", cmd))
			ssn.logger.Warn().Msgf("Command %v not implemented", cmd)
			continue
		case "VRFY":
			ssn.vrfyHandler(arg)
			continue
		case "EXPN":
			ssn.expnHandler(arg)
			continue
		case "NOOP":
			ssn.send("250 I have successfully done nothing")
			continue
		case "RSET":
			ssn.logger.Debug().Msg("Resetting session state on RSET request")
			ssn.reset()
			ssn.send("250 Session reset")
			continue
		case "QUIT":
			ssn.send("221 Goodnight and good luck")
			ssn.enterState(QUIT)
			continue
		}

		// Send command to handler for current state.
		switch ssn.state {
		case GREET:
			ssn.greetHandler(cmd, arg)
			continue
		case READY:
			ssn.readyHandler(cmd, arg)
			continue
		case MAIL:
			ssn.mailHandler(cmd, arg)
			continue
		}
		ssn.logger.Error().Msgf("Session entered unexpected state %v", ssn.state)
		break
	}
	if ssn.sendError != nil {
		ssn.logger.Warn().Msgf("Network send error: %v", ssn.sendError)
	}
	ssn.logger.Info().Msg("Closing connection")
}

// GREET state -> waiting for HELO.
func (s *Session) greetHandler(cmd string, arg string) {
	const readyBanner = "Pleased to meet you"
	switch cmd {
	case "HELO":
		domain, ok := parseHelloArgument(arg)
		if !ok {
			s.send("501 Domain/address argument required for HELO")
			return
		}
		s.remoteDomain = domain
		s.send("250 " + readyBanner)
		s.enterState(READY)
	case "EHLO":
		domain, ok := parseHelloArgument(arg)
		if !ok {
			s.send("501 Domain/address argument required for EHLO")
			return
		}
		s.remoteDomain = domain
		s.send("250-" + readyBanner)
		s.send("250-8BITMIME")
		s.send(fmt.Sprintf("250 SIZE %v", s.config.MaxMessageBytes))
		s.enterState(READY)
	default:
		s.ooSeq(cmd)
	}
}

func parseHelloArgument(arg string) (string, bool) {
	domain := arg
	if idx := strings.IndexRune(arg, ' '); idx >= 0 {
		domain = arg[:idx]
	}
	return domain, domain != ""
}

// READY state -> waiting for MAIL.
func (s *Session) readyHandler(cmd string, arg string) {
	switch cmd {
	case "MAIL":
		s.mailFromHandler(arg)
	case "EHLO", "HELO":
		s.logger.Debug().Msgf("Resetting session state on %v request", cmd)
		s.reset()
		s.send("250 Session reset")
	default:
		s.ooSeq(cmd)
	}
}

// mailFromHandler parses the MAIL FROM command.
func (s *Session) mailFromHandler(arg string) {
	// Capture group 1: from address. 2: optional params.
	m := fromRegex.FindStringSubmatch(arg)
	if m == nil {
		s.send("501 Was expecting MAIL arg syntax of FROM:<address>")
		s.logger.Warn().Msgf("Bad MAIL argument: %q", arg)
		return
	}
	from := m[1]
	s.logger.Debug().Msgf("Mail sender is %v", from)
	if from == "" {
		// Null reverse-path, likely a bounce.
		from = "<>"
	}

	// Parse ESMTP parameters.
	if m[2] != "" {
		args, ok := s.parseArgs(m[2])
		if !ok {
			s.send("501 Unable to parse MAIL ESMTP parameters")
			s.logger.Warn().Msgf("Bad MAIL argument: %q", arg)
			return
		}
		if args["SIZE"] != "" {
			size, err := strconv.ParseInt(args["SIZE"], 10, 32)
			if err != nil {
				s.send("501 Unable to parse SIZE as an integer")
				s.logger.Warn().Msgf("Unable to parse SIZE %q as an integer", args["SIZE"])
				return
			}
			if int(size) > s.config.MaxMessageBytes {
				s.send("552 Max message size exceeded")
				s.logger.Warn().Msgf("Client wanted to send oversized message: %v", args["SIZE"])
				return
			}
		}
	}

	s.from = from
	s.logger.Info().Msgf("Mail from: %v", from)
	s.send(fmt.Sprintf("250 Roger, accepting mail from <%v>", from))
	s.enterState(MAIL)
}

// MAIL state -> waiting for RCPTs followed by DATA.
func (s *Session) mailHandler(cmd string, arg string) {
	switch cmd {
	case "RCPT":
		s.rcptHandler(arg)
	case "DATA":
		if arg != "" {
			s.send("501 DATA command should not have any arguments")
			s.logger.Warn().Msgf("Got unexpected args on DATA: %q", arg)
			return
		}
		if len(s.recipients.Local())+len(s.recipients.Remote()) == 0 {
			s.ooSeq(cmd)
			return
		}
		s.enterState(DATA)
	case "EHLO", "HELO":
		s.logger.Debug().Msgf("Resetting session state on %v request", cmd)
		s.reset()
		s.send("250 Session reset")
	default:
		s.ooSeq(cmd)
	}
}

// rcptHandler resolves a RCPT TO argument and accumulates the expansion.
func (s *Session) rcptHandler(arg string) {
	if len(arg) < 4 || strings.ToUpper(arg[0:3]) != "TO:" {
		s.send("501 Was expecting RCPT arg syntax of TO:<address>")
		s.logger.Warn().Msgf("Bad RCPT argument: %q", arg)
		return
	}
	to := strings.Trim(arg[3:], "<> ")
	list, count := s.resolver.Resolve(to, nil)
	if len(list) == 0 {
		if count > 0 {
			s.logger.Warn().Str("to", to).Int("count", count).Msg("Recipient cap exceeded")
			s.send("452 Too many recipients")
			return
		}
		s.send("550 No such user here")
		s.logger.Warn().Str("to", to).Msg("Vacuous RCPT address")
		return
	}
	if failed := list.Failed(); len(failed) > 0 {
		f := failed[0]
		s.send(fmt.Sprintf("%v %v: %v", statusCode(f.Status), f.Name, f.Status))
		s.logger.Warn().Str("to", to).Str("status", f.Status.String()).Msg("Recipient rejected")
		return
	}
	s.recipients = append(s.recipients, list...)
	s.logger.Debug().Str("to", to).Int("count", count).Msg("Recipient added")
	s.send(fmt.Sprintf("250 I'll make sure <%v> gets this", to))
}

// vrfyHandler resolves a single address without accepting mail for it.
func (s *Session) vrfyHandler(arg string) {
	if arg == "" {
		s.send("501 VRFY requires an address argument")
		return
	}
	list, count := s.resolver.Resolve(arg, nil)
	if len(list) == 0 {
		if count > 0 {
			s.send("452 Too many recipients")
			return
		}
		s.send("550 No such user here")
		return
	}
	if failed := list.Failed(); len(failed) > 0 {
		f := failed[0]
		s.send(fmt.Sprintf("%v %v: %v", statusCode(f.Status), f.Name, f.Status))
		return
	}
	if len(list) > 1 {
		s.send(fmt.Sprintf("252 Expands to %v recipients, use EXPN", len(list)))
		return
	}
	s.send("250 " + s.renderRecipient(list[0]))
}

// expnHandler expands a mailing list address.
func (s *Session) expnHandler(arg string) {
	if arg == "" {
		s.send("501 EXPN requires an address argument")
		return
	}
	list, count := s.resolver.Resolve(arg, nil)
	if len(list) == 0 {
		if count > 0 {
			s.send("452 Too many recipients")
			return
		}
		s.send("550 No such list here")
		return
	}
	if failed := list.Failed(); len(failed) > 0 {
		f := failed[0]
		s.send(fmt.Sprintf("%v %v: %v", statusCode(f.Status), f.Name, f.Status))
		return
	}
	var members resolve.List
	for _, n := range list {
		if n.Status == resolve.StatusOK && !n.NoSend {
			members = append(members, n)
		}
	}
	if len(members) == 0 {
		s.send("550 List has no deliverable members")
		return
	}
	for i, n := range members {
		sep := "-"
		if i == len(members)-1 {
			sep = " "
		}
		s.send(fmt.Sprintf("250%v%v", sep, s.renderRecipient(n)))
	}
}

// renderRecipient formats a resolved node as "Name <address>".
func (s *Session) renderRecipient(n *resolve.Recipient) string {
	address := n.Addr
	if address == "" {
		address = addr.AddHost(n.Name, s.hostname)
	}
	return fmt.Sprintf("%v <%v>", n.Name, address)
}

// statusCode maps a resolution status to its SMTP reply code.
func statusCode(st resolve.Status) int {
	switch st {
	case resolve.StatusAmbiguous:
		return 553
	case resolve.StatusBadAddress:
		return 550
	case resolve.StatusSendDenied:
		return 550
	case resolve.StatusNoDirectory:
		return 451
	case resolve.StatusLoop:
		return 554
	}
	return 550
}

// DATA
func (s *Session) dataHandler() {
	s.send("354 Start mail input; end with <CRLF>.<CRLF>")
	msgBuf, err := s.readDataBlock()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			s.send("221 Idle timeout, bye bye")
		}
		s.logger.Warn().Msgf("Error: %v while reading", err)
		s.enterState(QUIT)
		return
	}
	if len(msgBuf) > s.config.MaxMessageBytes {
		s.send("552 Max message size exceeded")
		s.logger.Warn().Msgf("Client sent oversized message: %v bytes", len(msgBuf))
		s.reset()
		return
	}

	// Stamp a Received header ahead of the client's message.
	recvdHeader := fmt.Sprintf("Received: from %s ([%s]) by %s; %s\r\n",
		s.remoteDomain, s.remoteHost, s.hostname, time.Now().Format(time.RFC1123Z))
	source := append([]byte(recvdHeader), msgBuf...)

	if _, err := s.manager.Deliver(s.from, s.recipients, source); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store message")
		s.send("451 Failed to store message")
		s.reset()
		return
	}
	expReceivedTotal.Add(1)

	s.send("250 Mail accepted for delivery")
	s.logger.Info().Msgf("Message size %v bytes", len(msgBuf))
	s.reset()
}

func (s *Session) enterState(state State) {
	s.state = state
	s.logger.Debug().Msgf("Entering state %v", state)
}

func (s *Session) greet() {
	s.send(fmt.Sprintf("220 %v BlitzMail SMTP ready", s.hostname))
}

// nextDeadline calculates the next read or write deadline based on the
// configured timeout.
func (s *Session) nextDeadline() time.Time {
	return time.Now().Add(s.config.Timeout)
}

// send the requested message, storing errors in Session.sendError.
func (s *Session) send(msg string) {
	if err := s.conn.SetWriteDeadline(s.nextDeadline()); err != nil {
		s.sendError = err
		return
	}
	if err := s.text.PrintfLine("%s", msg); err != nil {
		s.sendError = err
		s.logger.Warn().Msgf("Failed to send: %q", msg)
		return
	}
	if s.debug {
		fmt.Printf("%04d > %v\n", s.id, msg)
	}
}

// readDataBlock reads message DATA until `.` using the textproto pkg.
func (s *Session) readDataBlock() ([]byte, error) {
	if err := s.conn.SetReadDeadline(s.nextDeadline()); err != nil {
		return nil, err
	}
	b, err := s.text.ReadDotBytes()
	if err != nil {
		return nil, err
	}
	if s.debug {
		fmt.Printf("%04d   Received %d bytes\n", s.id, len(b))
	}
	return b, err
}

// readLine reads a line of input respecting deadlines.
func (s *Session) readLine() (line string, err error) {
	if err = s.conn.SetReadDeadline(s.nextDeadline()); err != nil {
		return "", err
	}
	line, err = s.text.ReadLine()
	if err != nil {
		return "", err
	}
	if s.debug {
		fmt.Printf("%04d   %v\n", s.id, strings.TrimRight(line, "\r\n"))
	}
	return line, nil
}

func (s *Session) parseCmd(line string) (cmd string, arg string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	s.logger.Debug().Msgf("Line received: %v", line)

	// Find length of command or entire line.
	hasArg := true
	l := strings.IndexByte(line, ' ')
	if l == -1 {
		hasArg = false
		l = len(line)
	}

	switch {
	case l == 0:
		return "", "", true
	case l < 4:
		s.logger.Warn().Msgf("Command too short: %q", line)
		return "", "", false
	}

	if hasArg {
		return strings.ToUpper(line[0:l]), strings.Trim(line[l+1:], " "), true
	}
	return strings.ToUpper(line), "", true
}

// parseArgs takes the arguments proceeding a command and files them into a
// map[string]string after uppercasing each key.  Sample arg string:
//
//	" BODY=8BITMIME SIZE=1024"
//
// The leading space is mandatory.
func (s *Session) parseArgs(arg string) (args map[string]string, ok bool) {
	args = make(map[string]string)
	re := regexp.MustCompile(` (\w+)=(\w+|<>)`)
	pm := re.FindAllStringSubmatch(arg, -1)
	if pm == nil {
		s.logger.Warn().Msgf("Failed to parse arg string: %q", arg)
		return nil, false
	}
	for _, m := range pm {
		args[strings.ToUpper(m[1])] = m[2]
	}
	s.logger.Debug().Msgf("ESMTP params: %v", args)
	return args, true
}

func (s *Session) reset() {
	s.enterState(READY)
	s.from = ""
	s.recipients = nil
}

func (s *Session) ooSeq(cmd string) {
	s.send(fmt.Sprintf("503 Command %v is out of sequence", cmd))
	s.logger.Warn().Msgf("Wasn't expecting %v here", cmd)
}
