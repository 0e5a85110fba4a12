package imap

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/mailstore"
)

// testClient is a minimal hand-rolled IMAP client: it writes one tagged
// command per line and reads back untagged lines until the matching
// tagged response arrives, mirroring the raw-wire approach already used
// for the smtp and pop3 session tests.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	tag  int
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.readLine() // server greeting
	return c
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// cmd sends one tagged command and collects every line up to and
// including its tagged completion response.
func (c *testClient) cmd(format string, args ...interface{}) []string {
	c.t.Helper()
	c.tag++
	tag := fmt.Sprintf("A%d", c.tag)
	line := tag + " " + fmt.Sprintf(format, args...)
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	var lines []string
	for {
		l := c.readLine()
		lines = append(lines, l)
		if strings.HasPrefix(l, tag+" ") {
			return lines
		}
	}
}

func newTestServer(t *testing.T) (*Server, *mailstore.Store, *auth.Manager, net.Listener) {
	t.Helper()
	store := mailstore.NewStore()
	authMgr := auth.NewManager(store, false)
	srv := &Server{Store: store, Auth: authMgr}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.Handle(c)
		}
	}()
	return srv, store, authMgr, ln
}

func tagged(lines []string) string {
	return lines[len(lines)-1]
}

func TestLoginSelectAppendFetch(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	store.EnsureUser("alice")

	c := dial(t, ln.Addr().String())

	if resp := tagged(c.cmd(`LOGIN alice secret`)); !strings.Contains(resp, "OK") {
		t.Fatalf("LOGIN=%q", resp)
	}

	if resp := tagged(c.cmd(`SELECT INBOX`)); !strings.Contains(resp, "OK") {
		t.Fatalf("SELECT=%q", resp)
	}

	appendLines := c.cmd("APPEND INBOX {22}\r\nSubject: hi\r\n\r\nhello\r\n")
	if resp := tagged(appendLines); !strings.Contains(resp, "OK") {
		t.Fatalf("APPEND=%q (lines=%v)", resp, appendLines)
	}

	if resp := tagged(c.cmd(`SELECT INBOX`)); !strings.Contains(resp, "OK") {
		t.Fatalf("re-SELECT=%q", resp)
	}

	fetchLines := c.cmd("FETCH 1 (UID FLAGS)")
	if resp := tagged(fetchLines); !strings.Contains(resp, "OK") {
		t.Fatalf("FETCH=%q (lines=%v)", resp, fetchLines)
	}
	found := false
	for _, l := range fetchLines {
		if strings.Contains(l, "FETCH") && strings.Contains(l, "UID") {
			found = true
		}
	}
	if !found {
		t.Errorf("FETCH response missing a UID data item: %v", fetchLines)
	}
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	_, _, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	resp := tagged(c.cmd(`LOGIN alice wrong`))
	if !strings.Contains(resp, "NO") {
		t.Errorf("LOGIN with wrong password = %q, want NO", resp)
	}
}

func TestCommandNotPermittedBeforeAuthentication(t *testing.T) {
	_, _, _, ln := newTestServer(t)
	defer ln.Close()

	c := dial(t, ln.Addr().String())
	resp := tagged(c.cmd(`SELECT INBOX`))
	if !strings.Contains(resp, "BAD") {
		t.Errorf("SELECT before LOGIN = %q, want BAD", resp)
	}
}

func TestStoreAndExpunge(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")
	if _, err := inbox.Append([]byte("Subject: one\r\n\r\nbody\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.cmd(`LOGIN alice secret`)
	c.cmd(`SELECT INBOX`)

	storeLines := c.cmd(`STORE 1 +FLAGS (\Deleted)`)
	if resp := tagged(storeLines); !strings.Contains(resp, "OK") {
		t.Fatalf("STORE=%q", resp)
	}
	foundDeleted := false
	for _, l := range storeLines {
		if strings.Contains(l, "\\Deleted") {
			foundDeleted = true
		}
	}
	if !foundDeleted {
		t.Errorf("STORE response did not echo back \\Deleted: %v", storeLines)
	}

	expungeLines := c.cmd(`EXPUNGE`)
	if resp := tagged(expungeLines); !strings.Contains(resp, "OK") {
		t.Fatalf("EXPUNGE=%q", resp)
	}
	if inbox.Info().NumMessages != 0 {
		t.Error("message still present after EXPUNGE")
	}
}

func TestSearchAll(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")
	if _, err := inbox.Append([]byte("Subject: one\r\n\r\nbody\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.cmd(`LOGIN alice secret`)
	c.cmd(`SELECT INBOX`)

	lines := c.cmd(`SEARCH ALL`)
	if resp := tagged(lines); !strings.Contains(resp, "OK") {
		t.Fatalf("SEARCH=%q", resp)
	}
	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "* SEARCH") && strings.Contains(l, "1") {
			found = true
		}
	}
	if !found {
		t.Errorf("SEARCH ALL did not report message 1: %v", lines)
	}
}

func TestIdleStreamsAppendAndStopsOnDone(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")

	c := dial(t, ln.Addr().String())
	c.cmd(`LOGIN alice secret`)
	c.cmd(`SELECT INBOX`)

	c.tag++
	tag := fmt.Sprintf("A%d", c.tag)
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(tag + " IDLE\r\n")); err != nil {
		t.Fatal(err)
	}
	if resp := c.readLine(); !strings.HasPrefix(resp, "+") {
		t.Fatalf("IDLE continuation = %q, want a '+' response", resp)
	}

	if _, err := inbox.Append([]byte("Subject: idle\r\n\r\nbody\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	existsLine := c.readLine()
	if !strings.Contains(existsLine, "EXISTS") {
		t.Fatalf("expected an untagged EXISTS while idling, got %q", existsLine)
	}

	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte("DONE\r\n")); err != nil {
		t.Fatal(err)
	}
	resp := c.readLine()
	if !strings.HasPrefix(resp, tag+" OK") {
		t.Errorf("tagged response after DONE = %q", resp)
	}
}

func TestLogout(t *testing.T) {
	_, _, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.cmd(`LOGIN alice secret`)
	lines := c.cmd(`LOGOUT`)
	if resp := tagged(lines); !strings.Contains(resp, "OK") {
		t.Fatalf("LOGOUT=%q", resp)
	}
	foundBye := false
	for _, l := range lines {
		if strings.HasPrefix(l, "* BYE") {
			foundBye = true
		}
	}
	if !foundBye {
		t.Errorf("LOGOUT response missing untagged BYE: %v", lines)
	}
}
