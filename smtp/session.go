// Package smtp is the SMTP Session component (SPEC_FULL.md §4.D): the
// GREETED -> MAIL -> RCPT -> DATA state machine, grounded on
// spilled-ink-spilld's smtp/smtpserver/smtpserver.go Server/session
// design (the verb switch, the hasTLS/hasNoArg guards, the dot-stuffing
// DATA reader), adapted to hand completed transactions to
// delivery.Pipeline instead of a NewMessage callback and to decode AUTH
// PLAIN/LOGIN via github.com/emersion/go-sasl instead of hand-rolled
// base64 parsing.
package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/delivery"
	"github.com/mailsink/mailsink/metrics"
)

// State is the session's position in the SMTP state machine.
type State int

const (
	StateGreeted State = iota
	StateMail
	StateRcpt
)

// Server holds the shared collaborators every session needs.
type Server struct {
	Store         *delivery.Pipeline
	Auth          *auth.Manager
	Hostname      string
	TLSConfig     *tls.Config
	AllowNoTLS    bool // permit MAIL/RCPT/DATA before STARTTLS, for plaintext test ports
	MaxSize       int
	MaxRecipients int
	Log           *zap.Logger
	Metrics       *metrics.Metrics
}

func (s *Server) hostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	return "mailsink"
}

func (s *Server) maxSize() int {
	if s.MaxSize > 0 {
		return s.MaxSize
	}
	return 1 << 26
}

func (s *Server) maxRecipients() int {
	if s.MaxRecipients > 0 {
		return s.MaxRecipients
	}
	return 100
}

func (s *Server) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

type session struct {
	srv   *Server
	c     net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	tls   bool
	state State

	from  string
	rcpts []string
	login string // authenticated login, empty until AUTH succeeds
}

// Handle serves one accepted connection start to finish; it has the
// shape of listener.Handler.
func (s *Server) Handle(c net.Conn) {
	sess := &session{
		srv: s,
		c:   c,
		br:  bufio.NewReader(c),
		bw:  bufio.NewWriter(c),
	}
	if _, ok := c.(*tls.Conn); ok {
		sess.tls = true
	}
	s.Metrics.SessionOpened("smtp")
	defer s.Metrics.SessionClosed("smtp")
	defer c.Close()

	fmt.Fprintf(sess.bw, "220 %s ESMTP mailsink\r\n", s.hostname())
	sess.bw.Flush()

	for {
		line, err := sess.br.ReadString('\n')
		if err != nil {
			return
		}
		if len(line) < 2 || line[len(line)-2] != '\r' {
			fmt.Fprint(sess.bw, "500 command does not end in CRLF\r\n")
			sess.bw.Flush()
			continue
		}
		line = line[:len(line)-2]

		var verb, arg string
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb, arg = strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
		} else {
			verb = strings.ToUpper(line)
		}

		if !sess.dispatch(verb, arg) {
			return
		}
	}
}

var fromRE = regexp.MustCompile(`(?i)from:\s*<([^>]*)>`)
var rcptRE = regexp.MustCompile(`(?i)to:\s*<([^>]*)>`)

// dispatch runs one command and reports whether the session continues.
func (s *session) dispatch(verb, arg string) bool {
	switch verb {
	case "NOOP":
		s.reply("250 2.0.0 OK")
	case "QUIT":
		s.reply("221 2.0.0 Bye")
		return false
	case "HELO", "EHLO":
		s.handleGreeting(verb, arg)
	case "STARTTLS":
		return s.handleStartTLS(arg)
	case "AUTH":
		s.handleAuth(arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		return s.handleData()
	case "RSET":
		s.from = ""
		s.rcpts = nil
		s.state = StateGreeted
		s.reply("250 2.0.0 OK")
	case "VRFY":
		s.reply("252 2.1.5 cannot verify user")
	default:
		s.reply("502 5.5.2 command not recognized")
	}
	return true
}

func (s *session) handleGreeting(verb, arg string) {
	if arg == "" {
		s.reply("501 5.5.4 " + verb + " requires a hostname argument")
		return
	}
	if verb == "HELO" {
		s.replyf("250 %s", s.srv.hostname())
		return
	}
	lines := []string{s.srv.hostname() + " welcome"}
	if s.srv.TLSConfig != nil && !s.tls {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "AUTH PLAIN LOGIN", fmt.Sprintf("SIZE %d", s.srv.maxSize()), "8BITMIME", "PIPELINING", "ENHANCEDSTATUSCODES")
	s.replyMulti(250, lines)
}

func (s *session) handleStartTLS(arg string) bool {
	if s.srv.TLSConfig == nil {
		s.reply("502 5.5.1 STARTTLS not supported")
		return true
	}
	if s.tls {
		s.reply("454 TLS already in use")
		return true
	}
	if arg != "" {
		s.reply("501 Syntax error (no parameters allowed)")
		return true
	}
	s.reply("220 Ready to start TLS")
	s.bw.Flush()

	tconn := tls.Server(s.c, s.srv.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		s.srv.logger().Debug("smtp: TLS handshake failed", zap.Error(err))
		return false
	}
	s.c = tconn
	s.br = bufio.NewReader(tconn)
	s.bw = bufio.NewWriter(tconn)
	s.tls = true
	return true
}

// handleAuth drives a SASL PLAIN/LOGIN exchange. The mechanism name and
// an optional initial response share the AUTH line; LOGIN's prompts and
// PLAIN's continuation otherwise come over the raw line protocol, like
// the IMAP AUTHENTICATE command.
func (s *session) handleAuth(arg string) {
	mech, initial, _ := strings.Cut(arg, " ")
	var srv sasl.Server
	switch strings.ToUpper(mech) {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticate(username, password)
		})
	case "LOGIN":
		srv = sasl.NewLoginServer(func(username, password string) error {
			return s.authenticate(username, password)
		})
	default:
		s.reply("504 5.5.4 unrecognized authentication type")
		return
	}

	var firstResp []byte
	if initial != "" && initial != "=" {
		decoded, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			s.reply("501 5.5.4 invalid base64")
			return
		}
		firstResp = decoded
	}

	challenge, done, err := srv.Next(firstResp)
	for !done {
		if err != nil {
			s.reply("535 5.7.8 authentication failed")
			return
		}
		s.replyf("334 %s", base64.StdEncoding.EncodeToString(challenge))
		s.bw.Flush()
		line, rerr := s.br.ReadString('\n')
		if rerr != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			s.reply("501 5.7.0 authentication cancelled")
			return
		}
		resp, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			s.reply("501 5.5.4 invalid base64")
			return
		}
		challenge, done, err = srv.Next(resp)
	}
	if err != nil {
		s.reply("535 5.7.8 authentication failed")
		return
	}
	s.reply("235 2.7.0 Authentication successful")
}

func (s *session) authenticate(login, password string) error {
	u, err := s.srv.Auth.Authenticate(login, password)
	if err != nil {
		return err
	}
	s.login = u.Login
	return nil
}

func (s *session) handleMail(arg string) {
	if !s.requireTLS() {
		return
	}
	if s.state != StateGreeted {
		s.reply("503 5.5.1 MAIL command already called")
		return
	}
	m := fromRE.FindStringSubmatch(arg)
	if m == nil {
		s.reply("501 5.1.7 syntax error (bad sender address)")
		return
	}
	from := strings.TrimSpace(m[1])
	if from != "" && !strings.Contains(from, "@") {
		s.reply("501 5.1.0 invalid sender address")
		return
	}
	s.from = from
	s.rcpts = nil
	s.state = StateMail
	s.reply("250 2.1.0 OK")
}

func (s *session) handleRcpt(arg string) {
	if !s.requireTLS() {
		return
	}
	if s.state != StateMail && s.state != StateRcpt {
		s.reply("503 5.5.1 MAIL command not called")
		return
	}
	if len(s.rcpts)+1 > s.srv.maxRecipients() {
		s.reply("452 4.5.3 too many recipients")
		return
	}
	m := rcptRE.FindStringSubmatch(arg)
	if m == nil {
		s.reply("501 5.1.7 syntax error (bad rcpt)")
		return
	}
	to := strings.TrimSpace(m[1])
	if _, ok := s.srv.Auth.Lookup(to); !ok {
		s.reply("550 5.1.1 no such user")
		return
	}
	s.rcpts = append(s.rcpts, to)
	s.state = StateRcpt
	s.reply("250 2.1.0 OK")
}

func (s *session) handleData() bool {
	if !s.requireTLS() {
		return true
	}
	if s.state != StateRcpt || len(s.rcpts) == 0 {
		s.reply("503 5.5.1 RCPT command not called")
		return true
	}
	s.reply("354 Go ahead")
	s.bw.Flush()

	var buf bytes.Buffer
	for {
		line, err := s.br.ReadBytes('\n')
		if err != nil {
			return false
		}
		if bytes.Equal(line, []byte(".\r\n")) {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		buf.Write(line)
		if buf.Len() > s.srv.maxSize() {
			s.reply("552 5.3.4 message size exceeds limit")
			s.from, s.rcpts, s.state = "", nil, StateGreeted
			return true
		}
	}

	s.srv.Store.Deliver(delivery.ReceivedMessage{
		From:  s.from,
		Rcpts: s.rcpts,
		Raw:   buf.Bytes(),
	})
	s.srv.Metrics.MessageDelivered("smtp")
	s.from, s.rcpts, s.state = "", nil, StateGreeted
	s.reply("250 2.0.0 OK: queued")
	return true
}

func (s *session) requireTLS() bool {
	if s.srv.AllowNoTLS || s.tls {
		return true
	}
	s.reply("530 5.7.0 must issue a STARTTLS command first")
	return false
}

func (s *session) reply(line string) {
	fmt.Fprint(s.bw, line+"\r\n")
	s.bw.Flush()
}

func (s *session) replyf(format string, args ...interface{}) {
	s.reply(fmt.Sprintf(format, args...))
}

func (s *session) replyMulti(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.bw, "%d%s%s\r\n", code, sep, l)
	}
	s.bw.Flush()
}
