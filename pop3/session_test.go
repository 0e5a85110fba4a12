package pop3

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/mailstore"
)

// testClient is a minimal hand-rolled POP3 client: the standard library
// has none, so tests speak the line protocol directly, mirroring how
// infodancer-pop3d's own tests drive its server over a raw connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.readLine() // greeting
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

func (c *testClient) readMulti() []string {
	c.t.Helper()
	var lines []string
	for {
		l := c.readLine()
		if l == "." {
			return lines
		}
		lines = append(lines, l)
	}
}

func (c *testClient) send(cmd string) string {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return c.readLine()
}

func newTestServer(t *testing.T) (*Server, *mailstore.Store, *auth.Manager, net.Listener) {
	t.Helper()
	store := mailstore.NewStore()
	authMgr := auth.NewManager(store, false)
	srv := &Server{Store: store, Auth: authMgr, Hostname: "mailsink.test", AllowNoTLS: true}
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

func TestUserPassLoginAndStat(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")
	if _, err := inbox.Append([]byte("Subject: one\r\n\r\nbody one\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := inbox.Append([]byte("Subject: two\r\n\r\nbody two\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	if resp := c.send("USER alice"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("USER: %s", resp)
	}
	if resp := c.send("PASS secret"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("PASS: %s", resp)
	}
	if resp := c.send("STAT"); resp != "+OK 2 52" && !strings.HasPrefix(resp, "+OK 2 ") {
		t.Errorf("STAT=%q, want \"+OK 2 <size>\"", resp)
	}
}

func TestPassWrongPasswordRejected(t *testing.T) {
	_, _, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.send("USER alice")
	if resp := c.send("PASS wrong"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("PASS with wrong password = %q, want -ERR", resp)
	}
	// After a failed PASS, the session remains unauthenticated: a
	// transaction command must still be rejected.
	if resp := c.send("STAT"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("STAT before successful login = %q, want -ERR", resp)
	}
}

func TestListRetrDeleRsetQuit(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")
	if _, err := inbox.Append([]byte("Subject: only\r\n\r\nhello\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.send("USER alice")
	c.send("PASS secret")

	if resp := c.send("LIST"); !strings.HasPrefix(resp, "+OK 1 messages") {
		t.Fatalf("LIST=%q", resp)
	}
	lines := c.readMulti()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "1 ") {
		t.Errorf("LIST body=%v, want one \"1 <size>\" line", lines)
	}

	if resp := c.send("RETR 1"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("RETR=%q", resp)
	}
	body := c.readMulti()
	found := false
	for _, l := range body {
		if l == "hello" {
			found = true
		}
	}
	if !found {
		t.Errorf("RETR body=%v, missing \"hello\"", body)
	}

	if resp := c.send("DELE 1"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("DELE=%q", resp)
	}
	if resp := c.send("STAT"); resp != "+OK 0 0" {
		t.Errorf("STAT after DELE=%q, want \"+OK 0 0\"", resp)
	}
	if resp := c.send("RSET"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("RSET=%q", resp)
	}
	if resp := c.send("STAT"); !strings.HasPrefix(resp, "+OK 1 ") {
		t.Errorf("STAT after RSET=%q, want the message restored", resp)
	}

	c.send("DELE 1")
	if resp := c.send("QUIT"); !strings.Contains(resp, "1 messages removed") {
		t.Errorf("QUIT=%q, want it to report 1 message removed", resp)
	}

	if inbox.Info().NumMessages != 0 {
		t.Error("message still present in the live folder after QUIT expunged it")
	}
}

func TestDeleteWithoutQuitLeavesMailboxUntouched(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")
	if _, err := inbox.Append([]byte("Subject: only\r\n\r\nhello\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.send("USER alice")
	c.send("PASS secret")
	c.send("DELE 1")
	c.conn.Close() // drop without QUIT

	time.Sleep(20 * time.Millisecond)
	if inbox.Info().NumMessages != 1 {
		t.Error("message removed despite connection dropping without QUIT")
	}
}

func TestUidlStable(t *testing.T) {
	_, store, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	inbox := store.EnsureUser("alice")
	if _, err := inbox.Append([]byte("Subject: only\r\n\r\nhello\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	c.send("USER alice")
	c.send("PASS secret")
	if resp := c.send("UIDL 1"); !strings.HasPrefix(resp, "+OK 1 ") {
		t.Errorf("UIDL 1=%q", resp)
	}
}

func TestApopRejectedWhenAuthEnabled(t *testing.T) {
	_, _, authMgr, ln := newTestServer(t)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "secret"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, ln.Addr().String())
	if resp := c.send("APOP alice c064d9dc293d7c17af61a04521d09e91"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("APOP with auth enabled = %q, want -ERR", resp)
	}
}

func TestApopAcceptedWhenAuthDisabled(t *testing.T) {
	store := mailstore.NewStore()
	authMgr := auth.NewManager(store, true)
	srv := &Server{Store: store, Auth: authMgr, Hostname: "mailsink.test", AllowNoTLS: true}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		srv.Handle(c)
	}()

	c := dial(t, ln.Addr().String())
	if resp := c.send("APOP newuser anydigest"); !strings.HasPrefix(resp, "+OK") {
		t.Errorf("APOP with auth disabled = %q, want +OK", resp)
	}
}
