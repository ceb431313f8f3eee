package pop3

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/freefal/blitzmail-server-sub000/pkg/config"
	"github.com/freefal/blitzmail-server-sub000/pkg/dnd"
	"github.com/freefal/blitzmail-server-sub000/pkg/message"
	"github.com/freefal/blitzmail-server-sub000/pkg/resolve"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage"
	"github.com/freefal/blitzmail-server-sub000/pkg/storage/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// client wraps one side of a pipe session.
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *client) cmd(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("failed to send %q: %v", line, err)
	}
}

// expect reads one reply line and requires the given prefix.
func (c *client) expect(prefix string) string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read reply: %v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, prefix) {
		c.t.Fatalf("got reply %q, want prefix %q", line, prefix)
	}
	return line
}

// multiline reads reply lines up to the terminating dot.
func (c *client) multiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("failed to read multiline reply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

// net.Pipe does not implement deadlines.
type mockConn struct {
	net.Conn
}

func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

var sessionNum int

// setupPOP3Session starts a session against in-memory fixtures and returns
// the client side plus the backing store and directory.
func setupPOP3Session(t *testing.T) (*client, storage.Store, *dnd.MemDirectory) {
	t.Helper()
	dir := dnd.NewMemDirectory()
	dir.Add(dnd.Entry{UID: 1, Name: "Fred Flintstone", HomeServer: "blitz"})
	dir.Add(dnd.Entry{UID: 10, Name: "Pat Smith", HomeServer: "blitz"})
	dir.Add(dnd.Entry{UID: 11, Name: "Pat Smith", HomeServer: "blitz"})

	store, err := mem.New(config.Storage{Type: "memory"})
	require.NoError(t, err)
	mgr := &message.StoreManager{Store: store}
	for _, subj := range []string{"first", "second"} {
		_, err := mgr.Deliver("sender@bedrock.edu",
			resolve.List{{Name: "Fred Flintstone", UID: 1, Local: true}},
			[]byte("From: sender@bedrock.edu\r\nSubject: "+subj+"\r\n\r\n.dotted\r\nbody line\r\n"))
		require.NoError(t, err)
	}

	server := NewServer(config.POP3{Addr: "127.0.0.1:1100", Timeout: 5 * time.Second},
		"blitz.campus.edu", make(chan bool), dir, store)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		server.Drain()
	})
	sessionNum++
	go server.startSession(sessionNum, &mockConn{serverConn})

	c := &client{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
	c.expect("+OK BlitzMail POP3 server ready")
	return c, store, dir
}

func login(c *client) {
	c.cmd("USER Fred Flintstone")
	c.expect("+OK")
	c.cmd("PASS anything")
	c.expect("+OK Found 2 messages")
}

func TestAuthorization(t *testing.T) {
	c, _, _ := setupPOP3Session(t)
	c.cmd("PASS early")
	c.expect("-ERR")
	c.cmd("STAT")
	c.expect("-ERR")
	login(c)
	c.cmd("QUIT")
	c.expect("+OK")
}

func TestAuthorizationUnknownUser(t *testing.T) {
	c, _, _ := setupPOP3Session(t)
	c.cmd("USER Nobody Special")
	c.expect("+OK")
	c.cmd("PASS anything")
	c.expect("-ERR No mailbox for Nobody Special")
}

func TestAuthorizationAmbiguousUser(t *testing.T) {
	c, _, _ := setupPOP3Session(t)
	c.cmd("USER Pat Smith")
	c.expect("+OK")
	c.cmd("PASS anything")
	c.expect("-ERR Name Pat Smith is ambiguous")
}

func TestAuthorizationDirectoryDown(t *testing.T) {
	c, _, dir := setupPOP3Session(t)
	dir.SetDown(true)
	c.cmd("USER Fred Flintstone")
	c.expect("+OK")
	c.cmd("PASS anything")
	c.expect("-ERR Directory service unavailable")
}

func TestStatAndList(t *testing.T) {
	c, _, _ := setupPOP3Session(t)
	login(c)

	c.cmd("STAT")
	reply := c.expect("+OK 2 ")
	assert.True(t, strings.HasPrefix(reply, "+OK 2 "), "STAT shows message count and size")

	c.cmd("LIST")
	c.expect("+OK Listing 2 messages")
	lines := c.multiline()
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1 "))
	assert.True(t, strings.HasPrefix(lines[1], "2 "))

	c.cmd("LIST 1")
	c.expect("+OK 1 ")
	c.cmd("LIST 9")
	c.expect("-ERR")
	c.cmd("LIST zero")
	c.expect("-ERR")

	c.cmd("QUIT")
	c.expect("+OK")
}

func TestUidl(t *testing.T) {
	c, _, _ := setupPOP3Session(t)
	login(c)

	c.cmd("UIDL")
	c.expect("+OK Listing 2 messages")
	lines := c.multiline()
	require.Len(t, lines, 2)
	assert.Equal(t, "1 1", lines[0])
	assert.Equal(t, "2 2", lines[1])

	c.cmd("UIDL 2")
	c.expect("+OK 2 2")

	c.cmd("QUIT")
	c.expect("+OK")
}

func TestRetr(t *testing.T) {
	c, store, _ := setupPOP3Session(t)
	login(c)

	c.cmd("RETR 1")
	c.expect("+OK")
	lines := c.multiline()
	assert.Contains(t, lines, "Subject: first")
	assert.Contains(t, lines, "..dotted", "leading dots must be stuffed")
	assert.Contains(t, lines, "body line")

	c.cmd("QUIT")
	c.expect("+OK")

	msgs, err := store.GetMessages(1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Seen(), "RETR marks the message seen")
	assert.False(t, msgs[1].Seen())
}

func TestTop(t *testing.T) {
	c, _, _ := setupPOP3Session(t)
	login(c)

	c.cmd("TOP 1 1")
	c.expect("+OK Top of message follows")
	lines := c.multiline()
	assert.Contains(t, lines, "Subject: first")
	assert.Contains(t, lines, "..dotted", "first body line included")
	assert.NotContains(t, lines, "body line", "second body line truncated")

	c.cmd("TOP 1")
	c.expect("-ERR")
	c.cmd("TOP 1 -1")
	c.expect("-ERR")

	c.cmd("QUIT")
	c.expect("+OK")
}

func TestDeleRsetAndUpdate(t *testing.T) {
	c, store, _ := setupPOP3Session(t)
	login(c)

	c.cmd("DELE 1")
	c.expect("+OK Deleted message 1")
	c.cmd("DELE 1")
	c.expect("-ERR Message 1 has already been deleted")
	c.cmd("STAT")
	c.expect("+OK 1 ")

	// RSET brings the message back.
	c.cmd("RSET")
	c.expect("+OK")
	c.cmd("STAT")
	c.expect("+OK 2 ")

	// Delete again and commit via QUIT.
	c.cmd("DELE 2")
	c.expect("+OK")
	c.cmd("QUIT")
	c.expect("+OK")

	deadline := time.Now().Add(time.Second)
	for {
		msgs, err := store.GetMessages(1)
		require.NoError(t, err)
		if len(msgs) == 1 {
			assert.Equal(t, "first", msgs[0].Subject())
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delete was not applied, %v messages remain", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
