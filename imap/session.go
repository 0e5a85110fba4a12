// Package imap is the IMAP Session component (SPEC_FULL.md §4.F): the
// tagged-command dispatcher, selected-mailbox state, and FETCH/SEARCH/
// STORE/IDLE machinery built directly over the imapwire codec and the
// mailstore package.
//
// It is grounded on spilled-ink-spilld's imap/imapserver/imapserver.go
// Server/Conn design -- the per-tag dispatch switch, the
// respondln/writeString response writer, and the idleUpdate/writeUpdates
// IDLE mechanism -- generalized away from that file's imap.Session/
// imap.Mailbox/imap.Notifier abstractions to operate on
// mailstore.Folder/mailstore.Listener directly, per SPEC_FULL.md §9's
// channel-based listener redesign.
package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/imapwire"
	"github.com/mailsink/mailsink/mailstore"
	"github.com/mailsink/mailsink/metrics"

	"go.uber.org/zap"
)

// State is the session's position in the IMAP state machine
// (NOT AUTHENTICATED -> AUTHENTICATED -> SELECTED -> LOGOUT).
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

// Capability is the fixed capability string SPEC_FULL.md §4.F advertises.
const Capability = "IMAP4rev1 LITERAL+ IDLE UIDPLUS NAMESPACE QUOTA AUTH=PLAIN AUTH=LOGIN"

// Server holds the shared collaborators every Session needs: the
// mailbox store, the credential manager, and an optional TLS config for
// STARTTLS.
type Server struct {
	Store      *mailstore.Store
	Auth       *auth.Manager
	TLSConfig  *tls.Config
	MaxLine    int
	IdleMargin time.Duration // not read by sessions; IDLE blocks on its listener and the connection without polling
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

func (s *Server) maxLine() int {
	if s.MaxLine > 0 {
		return s.MaxLine
	}
	return imapwire.DefaultMaxLine
}

func (s *Server) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// Session is one client connection's mutable state.
type Session struct {
	srv   *Server
	conn  *imapwire.Conn
	state State
	tls   bool

	login    string // authenticated user's login, empty until AUTHENTICATED
	selected *mailstore.Folder
	readOnly bool
	listener *mailstore.Listener

	idleMargin time.Duration
}

// Handle serves one accepted connection start to finish. It has the
// shape of listener.Handler, so a Server can be registered directly
// with a listener.Acceptor.
func (s *Server) Handle(c net.Conn) {
	sess := &Session{
		srv:        s,
		conn:       imapwire.NewConn(c, s.maxLine()),
		state:      StateNotAuthenticated,
		idleMargin: 100 * time.Millisecond,
	}
	if _, ok := c.(*tls.Conn); ok {
		sess.tls = true
	}
	s.Metrics.SessionOpened("imap")
	defer s.Metrics.SessionClosed("imap")
	defer sess.teardown()

	sess.conn.WriteLine("* OK [CAPABILITY %s] mailsink ready", Capability)
	sess.conn.Flush()

	for sess.state != StateLogout {
		if err := sess.readCommand(); err != nil {
			if err != errConnClosed {
				s.logger().Debug("imap session ended", zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) teardown() {
	if s.listener != nil && s.selected != nil {
		s.selected.Unsubscribe(s.listener)
		s.listener = nil
	}
	s.conn.Close()
}

var errConnClosed = errkind.New(errkind.ErrIO, "connection closed")

// readCommand reads one tagged command and dispatches it, writing the
// tagged response (or closing the session on a terminal error).
func (s *Session) readCommand() error {
	sc := s.conn.NewCommandScanner()

	tagTok, err := sc.Next()
	if err != nil {
		return err
	}
	if tagTok.Kind == imapwire.TokEnd {
		return nil // blank line between commands, tolerated
	}
	tag := string(tagTok.Value)

	nameTok, err := sc.Next()
	if err != nil {
		return s.fatal(tag, err)
	}
	if nameTok.Kind != imapwire.TokAtom {
		s.respond(tag, "BAD", "expected command name")
		return s.drainLine(sc)
	}
	name := strings.ToUpper(string(nameTok.Value))

	p := &parser{sc: sc}
	h, ok := dispatch[name]
	if !ok {
		s.respond(tag, "BAD", "unknown command "+name)
		return s.drainLine(sc)
	}
	if !h.allowed(s.state) {
		s.respond(tag, "BAD", "command not permitted in this state")
		return s.drainLine(sc)
	}

	if err := h.run(s, tag, p); err != nil {
		if isFatal(err) {
			s.respond(tag, "BAD", errMessage(err))
			s.conn.Flush()
			return err
		}
		s.respond(tag, "NO", errMessage(err))
	}
	s.conn.Flush()
	return nil
}

func (s *Session) drainLine(sc *imapwire.Scanner) error {
	for {
		t, err := sc.Next()
		if err != nil {
			return err
		}
		if t.Kind == imapwire.TokEnd {
			return nil
		}
	}
}

func (s *Session) fatal(tag string, err error) error {
	s.respond(tag, "BAD", errMessage(err))
	s.conn.Flush()
	return err
}

func isFatal(err error) bool {
	return errors.Is(err, errkind.ErrIO) || errors.Is(err, errkind.ErrProtocol) || errors.Is(err, errkind.ErrShutdown)
}

func errMessage(err error) string {
	msg := err.Error()
	if msg == "" {
		return "error"
	}
	return msg
}

// respond writes one tagged completion response.
func (s *Session) respond(tag, status, text string) {
	s.conn.WriteLine("%s %s %s", tag, status, text)
}

// untagged writes one untagged response line, e.g. "* 3 EXISTS".
func (s *Session) untagged(format string, args ...interface{}) {
	s.conn.WriteLine("* "+format, args...)
}

func quoteOrLiteral(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\"\\(){}%*\r\n") {
		return fmt.Sprintf("{%d}\r\n%s", len(s), s)
	}
	return s
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
