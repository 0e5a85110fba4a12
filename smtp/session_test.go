package smtp

import (
	"crypto/tls"
	"net"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/delivery"
	"github.com/mailsink/mailsink/mailstore"
)

func newTestServer(t *testing.T, allowNoTLS bool) (*Server, *delivery.Pipeline, *auth.Manager, net.Listener) {
	t.Helper()
	store := mailstore.NewStore()
	authMgr := auth.NewManager(store, false)
	pipeline := &delivery.Pipeline{Store: store, Auth: authMgr}

	srv := &Server{
		Store:      pipeline,
		Auth:       authMgr,
		Hostname:   "mailsink.test",
		AllowNoTLS: allowNoTLS,
		TLSConfig:  selfSignedTLSConfig(t),
	}
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
	return srv, pipeline, authMgr, ln
}

func TestRequiresSTARTTLSBeforeMail(t *testing.T) {
	_, _, _, ln := newTestServer(t, false)
	defer ln.Close()

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Mail("from@example.com"); err == nil {
		t.Error("MAIL before STARTTLS succeeded, want 530")
	} else if !strings.Contains(err.Error(), "530") {
		t.Errorf("error = %v, want one mentioning 530", err)
	}
}

func TestSendMessageEndToEnd(t *testing.T) {
	_, pipeline, authMgr, ln := newTestServer(t, true)
	defer ln.Close()
	if err := authMgr.SetUser("alice", "x"); err != nil {
		t.Fatal(err)
	}

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("alice"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("DATA: %v", err)
	}
	const body = "Subject: hi\r\n\r\n.leading dot preserved\r\n"
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing DATA: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatal(err)
	}

	if !pipeline.WaitForIncomingEmail(time.Second, 1) {
		t.Fatal("message was not delivered")
	}
	recs := pipeline.GetReceivedMessages()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if !strings.Contains(string(recs[0].Raw), "leading dot preserved") {
		t.Errorf("delivered body lost its dot-stuffed line: %q", recs[0].Raw)
	}
}

func TestRcptUnknownUserRejected(t *testing.T) {
	_, _, _, ln := newTestServer(t, true)
	defer ln.Close()

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt("ghost"); err == nil {
		t.Error("RCPT for unknown user succeeded, want 550")
	} else if !strings.Contains(err.Error(), "550") {
		t.Errorf("error = %v, want one mentioning 550", err)
	}
}

func TestMaxRecipientsEnforced(t *testing.T) {
	store := mailstore.NewStore()
	authMgr := auth.NewManager(store, false)
	pipeline := &delivery.Pipeline{Store: store, Auth: authMgr}
	if err := authMgr.SetUser("alice", "x"); err != nil {
		t.Fatal(err)
	}

	srv := &Server{Store: pipeline, Auth: authMgr, AllowNoTLS: true, MaxRecipients: 1}
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

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt("alice"); err != nil {
		t.Fatalf("first RCPT: %v", err)
	}
	if err := c.Rcpt("alice"); err == nil {
		t.Error("second RCPT exceeding MaxRecipients succeeded, want 452")
	} else if !strings.Contains(err.Error(), "452") {
		t.Errorf("error = %v, want one mentioning 452", err)
	}
}

func TestAuthPlainSucceedsAndUnlocksMail(t *testing.T) {
	_, _, authMgr, ln := newTestServer(t, false)
	defer ln.Close()
	if err := authMgr.SetUser("bob", "secret"); err != nil {
		t.Fatal(err)
	}

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.StartTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
		t.Fatalf("STARTTLS: %v", err)
	}
	if err := c.Auth(smtp.PlainAuth("", "bob", "secret", "127.0.0.1")); err != nil {
		t.Fatalf("AUTH PLAIN: %v", err)
	}
	if err := c.Mail("bob@example.com"); err != nil {
		t.Errorf("MAIL after AUTH failed: %v", err)
	}
}
