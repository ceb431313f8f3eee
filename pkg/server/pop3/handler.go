package pop3

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/dnd"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State tracks the current mode of our POP3 state machine.
type State int

const (
	// AUTHORIZATION state: the client must now identify and authenticate
	AUTHORIZATION State = iota
	// TRANSACTION state: mailbox open, client may now issue commands
	TRANSACTION
	// QUIT state: client requests us to end session
	QUIT
)

func (s State) String() string {
	switch s {
	case AUTHORIZATION:
		return "AUTHORIZATION"
	case TRANSACTION:
		return "TRANSACTION"
	case QUIT:
		return "QUIT"
	}
	return "Unknown"
}

var commands = map[string]bool{
	"QUIT": true,
	"STAT": true,
	"LIST": true,
	"RETR": true,
	"DELE": true,
	"NOOP": true,
	"RSET": true,
	"TOP":  true,
	"UIDL": true,
	"USER": true,
	"PASS": true,
	"CAPA": true,
}

// Session defines an active POP3 session.
type Session struct {
	server     *Server           // Reference to the server we belong to
	id         int               // Session ID number
	conn       net.Conn          // Our network connection
	remoteHost string            // IP address of client
	sendError  error             // Used to bail out of read loop on send error
	state      State             // Current session state
	reader     *bufio.Reader     // Buffered reader for our net conn
	user       string            // Username from USER command
	uid        int               // Directory identity once authenticated
	messages   []storage.Message // Slice of messages in mailbox
	retain     []bool            // Messages to retain upon UPDATE (true=retain)
	msgCount   int               // Number of undeleted messages
	logger     zerolog.Logger
}

// NewSession creates a new POP3 session.
func NewSession(server *Server, id int, conn net.Conn, logger zerolog.Logger) *Session {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Session{
		server:     server,
		id:         id,
		conn:       conn,
		state:      AUTHORIZATION,
		reader:     bufio.NewReader(conn),
		remoteHost: host,
		logger:     logger,
	}
}

func (ses *Session) String() string {
	return fmt.Sprintf("Session{id: %v, state: %v}", ses.id, ses.state)
}

// Session flow:
//  1. Send initial greeting
//  2. Receive cmd
//  3. If good cmd, respond, optionally change state
//  4. If bad cmd, respond error
//  5. Goto 2
func (s *Server) startSession(id int, conn net.Conn) {
	logger := log.With().
		Str("module", "pop3").
		Str("remote", conn.RemoteAddr().String()).
		Int("session", id).Logger()
	logger.Info().Msg("Starting POP3 session")

	s.wg.Add(1)
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing connection")
		}
		s.wg.Done()
	}()

	ses := NewSession(s, id, conn, logger)
	ses.send(fmt.Sprintf("+OK BlitzMail POP3 server ready <%v.%v@%v>", os.Getpid(),
		time.Now().Unix(), s.hostname))

	// This is our command reading loop.
	for ses.state != QUIT && ses.sendError == nil {
		line, err := ses.readLine()
		if err != nil {
			if err == io.EOF {
				switch ses.state {
				case AUTHORIZATION:
					// EOF is common here.
					ses.logger.Info().Msgf("Client closed connection (state %v)", ses.state)
				default:
					ses.logger.Warn().Msgf("Got EOF while in state %v", ses.state)
				}
				break
			}
			ses.logger.Warn().Msgf("Connection error: %v", err)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				ses.send("-ERR Idle timeout, bye bye")
				break
			}
			ses.send("-ERR Connection error, sorry")
			break
		}
		cmd, args, ok := ses.parseCmd(line)
		if !ok {
			ses.send("-ERR Syntax error, command garbled")
			continue
		}
		if cmd == "" {
			ses.send("-ERR Speak up")
			continue
		}
		if !commands[cmd] {
			ses.send(fmt.Sprintf("-ERR Syntax error, %v command unrecognized", cmd))
			ses.logger.Warn().Msgf("Unrecognized command: %v", cmd)
			continue
		}

		// Commands we handle in any state.
		if cmd == "CAPA" {
			// List our capabilities per RFC2449.
			ses.send("+OK Capability list follows")
			ses.send("TOP")
			ses.send("USER")
			ses.send("UIDL")
			ses.send("IMPLEMENTATION BlitzMail")
			ses.send(".")
			continue
		}

		// Send command to handler for current state.
		switch ses.state {
		case AUTHORIZATION:
			ses.authorizationHandler(cmd, args)
			continue
		case TRANSACTION:
			ses.transactionHandler(cmd, args)
			continue
		}
		ses.logger.Error().Msgf("Session entered unexpected state %v", ses.state)
		break
	}
	if ses.sendError != nil {
		ses.logger.Warn().Msgf("Network send error: %v", ses.sendError)
	}
	ses.logger.Info().Msg("Closing connection")
}

// AUTHORIZATION state
func (ses *Session) authorizationHandler(cmd string, args []string) {
	switch cmd {
	case "QUIT":
		ses.send("+OK Goodnight and good luck")
		ses.enterState(QUIT)
	case "USER":
		if len(args) == 0 {
			ses.send("-ERR Missing username argument")
			return
		}
		ses.user = strings.Join(args, " ")
		ses.send(fmt.Sprintf("+OK Hello %v, please send your PASS", ses.user))
	case "PASS":
		if ses.user == "" {
			ses.ooSeq(cmd)
			return
		}
		// Password verification belongs to the campus directory; here the
		// lookup doubles as the existence check.
		e, err := ses.server.dir.Lookup(ses.user, []string{dnd.FieldName, dnd.FieldUID})
		if err != nil {
			switch {
			case errors.Is(err, dnd.ErrUnavailable):
				ses.logger.Error().Err(err).Str("user", ses.user).Msg("Directory unavailable")
				ses.send("-ERR Directory service unavailable, try later")
			case errors.Is(err, dnd.ErrAmbiguous):
				ses.send(fmt.Sprintf("-ERR Name %v is ambiguous", ses.user))
			default:
				ses.send(fmt.Sprintf("-ERR No mailbox for %v", ses.user))
			}
			ses.enterState(QUIT)
			return
		}
		ses.uid = e.UID
		ses.loadMailbox()
		ses.send(fmt.Sprintf("+OK Found %v messages for %v", ses.msgCount, e.Name))
		ses.enterState(TRANSACTION)
	default:
		ses.ooSeq(cmd)
	}
}

// TRANSACTION state
func (ses *Session) transactionHandler(cmd string, args []string) {
	switch cmd {
	case "STAT":
		if len(args) != 0 {
			ses.logger.Warn().Msg("STAT got an unexpected argument")
			ses.send("-ERR STAT command must have no arguments")
			return
		}
		var count int
		var size int64
		for i, msg := range ses.messages {
			if ses.retain[i] {
				count++
				size += msg.Size()
			}
		}
		ses.send(fmt.Sprintf("+OK %v %v", count, size))
	case "LIST":
		ses.scanListing(cmd, args, func(msg storage.Message) string {
			return strconv.FormatInt(msg.Size(), 10)
		})
	case "UIDL":
		ses.scanListing(cmd, args, func(msg storage.Message) string {
			return msg.ID()
		})
	case "DELE":
		msgNum, ok := ses.msgNumArg(cmd, args)
		if !ok {
			return
		}
		if !ses.retain[msgNum-1] {
			ses.logger.Warn().Msg("Client tried to DELE an already deleted message")
			ses.send(fmt.Sprintf("-ERR Message %v has already been deleted", msgNum))
			return
		}
		ses.retain[msgNum-1] = false
		ses.msgCount--
		ses.send(fmt.Sprintf("+OK Deleted message %v", msgNum))
	case "RETR":
		msgNum, ok := ses.msgNumArg(cmd, args)
		if !ok {
			return
		}
		ses.send(fmt.Sprintf("+OK %v bytes follows", ses.messages[msgNum-1].Size()))
		ses.sendMessage(ses.messages[msgNum-1], -1)
		_ = ses.server.store.MarkSeen(ses.uid, ses.messages[msgNum-1].ID())
	case "TOP":
		if len(args) != 2 {
			ses.logger.Warn().Msg("TOP command had invalid number of arguments")
			ses.send("-ERR TOP command requires two arguments")
			return
		}
		msgNum, ok := ses.msgNumArg(cmd, args[:1])
		if !ok {
			return
		}
		lines, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil || lines < 0 {
			ses.logger.Warn().Msgf("Bad TOP line count: %q", args[1])
			ses.send("-ERR TOP second argument must be a non-negative integer")
			return
		}
		ses.send("+OK Top of message follows")
		ses.sendMessage(ses.messages[msgNum-1], int(lines))
	case "QUIT":
		ses.send("+OK We will process your deletes")
		ses.processDeletes()
		ses.enterState(QUIT)
	case "NOOP":
		ses.send("+OK I have successfully done nothing")
	case "RSET":
		// Reset session, don't actually delete anything I told you to.
		ses.logger.Debug().Msg("Resetting session state on RSET request")
		ses.retainAll()
		ses.send("+OK Session reset")
	default:
		ses.ooSeq(cmd)
	}
}

// scanListing implements the shared LIST/UIDL form: one message when given a
// number, otherwise a multi-line scan of the undeleted messages.
func (ses *Session) scanListing(cmd string, args []string, render func(storage.Message) string) {
	if len(args) > 1 {
		ses.logger.Warn().Msgf("%v command had more than 1 argument", cmd)
		ses.send(fmt.Sprintf("-ERR %v command must have zero or one argument", cmd))
		return
	}
	if len(args) == 1 {
		msgNum, ok := ses.msgNumArg(cmd, args)
		if !ok {
			return
		}
		if !ses.retain[msgNum-1] {
			ses.logger.Warn().Msgf("Client tried to %v a message it had deleted", cmd)
			ses.send(fmt.Sprintf("-ERR You deleted message %v", msgNum))
			return
		}
		ses.send(fmt.Sprintf("+OK %v %v", msgNum, render(ses.messages[msgNum-1])))
		return
	}
	ses.send(fmt.Sprintf("+OK Listing %v messages", ses.msgCount))
	for i, msg := range ses.messages {
		if ses.retain[i] {
			ses.send(fmt.Sprintf("%v %v", i+1, render(msg)))
		}
	}
	ses.send(".")
}

// msgNumArg validates a single message number argument.
func (ses *Session) msgNumArg(cmd string, args []string) (int, bool) {
	if len(args) != 1 {
		ses.logger.Warn().Msgf("%v command had invalid number of arguments", cmd)
		ses.send(fmt.Sprintf("-ERR %v command requires a single argument", cmd))
		return 0, false
	}
	msgNum, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		ses.logger.Warn().Msgf("%v command argument was not an integer", cmd)
		ses.send(fmt.Sprintf("-ERR %v command requires an integer argument", cmd))
		return 0, false
	}
	if msgNum < 1 {
		ses.logger.Warn().Msgf("%v command argument was less than 1", cmd)
		ses.send(fmt.Sprintf("-ERR %v argument must be greater than 0", cmd))
		return 0, false
	}
	if int(msgNum) > len(ses.messages) {
		ses.logger.Warn().Msgf("%v command argument was greater than number of messages", cmd)
		ses.send(fmt.Sprintf("-ERR %v argument must not exceed the number of messages", cmd))
		return 0, false
	}
	return int(msgNum), true
}

// sendMessage writes the message to the client, dot-stuffed.  A negative
// lineCount sends the whole message, otherwise the header plus lineCount
// body lines.
func (ses *Session) sendMessage(msg storage.Message, lineCount int) {
	reader, err := msg.Source()
	if err != nil {
		ses.logger.Error().Err(err).Msg("Failed to read message source")
		ses.send("-ERR Failed to read that message, internal error")
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			ses.logger.Error().Err(err).Msg("Failed to close message")
		}
	}()

	scanner := bufio.NewScanner(reader)
	inBody := false
	for scanner.Scan() {
		line := scanner.Text()
		// Lines starting with . must be prefixed with another .
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if lineCount >= 0 {
			if inBody {
				if lineCount < 1 {
					break
				}
				lineCount--
			} else if line == "" {
				// We've hit the end of the header.
				inBody = true
			}
		}
		ses.send(line)
	}
	if err = scanner.Err(); err != nil {
		ses.logger.Error().Err(err).Msg("Failed to read message source")
	}
	ses.send(".")
}

// loadMailbox reads the authenticated identity's messages.
func (ses *Session) loadMailbox() {
	var err error
	ses.messages, err = ses.server.store.GetMessages(ses.uid)
	if err != nil {
		ses.logger.Error().Err(err).Int("uid", ses.uid).Msg("Failed to load messages")
	}
	ses.retainAll()
}

// retainAll resets the retain flag to true for all messages.
func (ses *Session) retainAll() {
	ses.retain = make([]bool, len(ses.messages))
	for i := range ses.retain {
		ses.retain[i] = true
	}
	ses.msgCount = len(ses.messages)
}

// processDeletes is the "UPDATE" state of the RFC: the session closed
// cleanly, so deletes marked during it are applied.
func (ses *Session) processDeletes() {
	ses.logger.Info().Msg("Processing deletes")
	for i, msg := range ses.messages {
		if !ses.retain[i] {
			ses.logger.Debug().Msgf("Deleting message %v", msg.ID())
			if err := ses.server.store.RemoveMessage(ses.uid, msg.ID()); err != nil {
				ses.logger.Warn().Err(err).Msgf("Error deleting message %v", msg.ID())
			}
		}
	}
}

func (ses *Session) enterState(state State) {
	ses.state = state
	ses.logger.Debug().Msgf("Entering state %v", state)
}

// nextDeadline calculates the next read or write deadline based on the
// configured timeout.
func (ses *Session) nextDeadline() time.Time {
	return time.Now().Add(ses.server.config.Timeout)
}

// send the requested message, storing errors in Session.sendError.
func (ses *Session) send(msg string) {
	if err := ses.conn.SetWriteDeadline(ses.nextDeadline()); err != nil {
		ses.sendError = err
		return
	}
	if _, err := fmt.Fprint(ses.conn, msg+"\r\n"); err != nil {
		ses.sendError = err
		ses.logger.Warn().Msgf("Failed to send: %q", msg)
		return
	}
	if ses.server.config.Debug {
		fmt.Printf("%04d > %v\n", ses.id, msg)
	}
}

// readLine reads a line of input respecting deadlines.
func (ses *Session) readLine() (line string, err error) {
	if err = ses.conn.SetReadDeadline(ses.nextDeadline()); err != nil {
		return "", err
	}
	line, err = ses.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if ses.server.config.Debug {
		fmt.Printf("%04d   %v\n", ses.id, strings.TrimRight(line, "\r\n"))
	}
	return line, nil
}

func (ses *Session) parseCmd(line string) (cmd string, args []string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", nil, true
	}
	words := strings.Split(line, " ")
	return strings.ToUpper(words[0]), words[1:], true
}

func (ses *Session) ooSeq(cmd string) {
	ses.send(fmt.Sprintf("-ERR Command %v is out of sequence", cmd))
	ses.logger.Warn().Msgf("Wasn't expecting %v here", cmd)
}
