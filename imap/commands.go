package imap

import (
	"crypto/tls"
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/mailstore"
)

type handlerFn func(s *Session, tag string, p *parser) error

// cmdHandler pairs a handler with the states it is legal in, the
// tagged-variant dispatch table SPEC_FULL.md §9 calls for in place of
// the teacher's command class hierarchy.
type cmdHandler struct {
	states []State // nil means "any state"
	fn     handlerFn
}

func (h cmdHandler) allowed(st State) bool {
	if h.states == nil {
		return true
	}
	for _, s := range h.states {
		if s == st {
			return true
		}
	}
	return false
}

func (h cmdHandler) run(s *Session, tag string, p *parser) error {
	return h.fn(s, tag, p)
}

var anyState = []State{StateNotAuthenticated, StateAuthenticated, StateSelected}
var authedStates = []State{StateAuthenticated, StateSelected}

var dispatch = map[string]cmdHandler{
	"CAPABILITY":   {anyState, cmdCapability},
	"NOOP":         {anyState, cmdNoop},
	"LOGOUT":       {anyState, cmdLogout},
	"STARTTLS":     {[]State{StateNotAuthenticated}, cmdStartTLS},
	"AUTHENTICATE": {[]State{StateNotAuthenticated}, cmdAuthenticate},
	"LOGIN":        {[]State{StateNotAuthenticated}, cmdLogin},

	"SELECT":      {authedStates, cmdSelect},
	"EXAMINE":     {authedStates, cmdExamine},
	"CREATE":      {authedStates, cmdCreate},
	"DELETE":      {authedStates, cmdDelete},
	"RENAME":      {authedStates, cmdRename},
	"SUBSCRIBE":   {authedStates, cmdSubscribe},
	"UNSUBSCRIBE": {authedStates, cmdUnsubscribe},
	"LIST":        {authedStates, cmdList},
	"LSUB":        {authedStates, cmdLsub},
	"STATUS":      {authedStates, cmdStatus},
	"APPEND":      {authedStates, cmdAppend},

	"CHECK":   {[]State{StateSelected}, cmdCheck},
	"CLOSE":   {[]State{StateSelected}, cmdClose},
	"EXPUNGE": {[]State{StateSelected}, cmdExpunge},
	"SEARCH":  {[]State{StateSelected}, func(s *Session, tag string, p *parser) error { return s.runSearch(tag, false, p) }},
	"FETCH":   {[]State{StateSelected}, func(s *Session, tag string, p *parser) error { return s.runFetch(tag, false, p) }},
	"STORE":   {[]State{StateSelected}, func(s *Session, tag string, p *parser) error { return s.runStore(tag, false, p) }},
	"COPY":    {[]State{StateSelected}, func(s *Session, tag string, p *parser) error { return s.runCopy(tag, false, p) }},
	"IDLE":    {[]State{StateSelected}, cmdIdle},
	"UID":     {[]State{StateSelected}, cmdUID},
}

func cmdCapability(s *Session, tag string, p *parser) error {
	caps := Capability
	if s.srv.TLSConfig != nil && !s.tls {
		caps += " STARTTLS"
	}
	s.untagged("CAPABILITY %s", caps)
	s.respond(tag, "OK", "CAPABILITY completed")
	return nil
}

func cmdNoop(s *Session, tag string, p *parser) error {
	if s.state == StateSelected {
		s.drainUpdates()
	}
	s.respond(tag, "OK", "NOOP completed")
	return nil
}

func cmdLogout(s *Session, tag string, p *parser) error {
	s.untagged("BYE mailsink logging out")
	s.respond(tag, "OK", "LOGOUT completed")
	s.state = StateLogout
	return nil
}

func cmdStartTLS(s *Session, tag string, p *parser) error {
	if s.srv.TLSConfig == nil {
		return errkind.New(errkind.ErrState, "STARTTLS not available")
	}
	s.respond(tag, "OK", "begin TLS negotiation now")
	if err := s.conn.Flush(); err != nil {
		return errkind.New(errkind.ErrIO, err.Error())
	}
	tconn := tls.Server(s.conn.NetConn, s.srv.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		return errkind.New(errkind.ErrIO, "tls handshake: "+err.Error())
	}
	s.conn.Rebind(tconn)
	s.tls = true
	return nil
}

// authenticateUser checks login/password through the shared credential
// manager and, on success, records the login on the session.
func (s *Session) authenticateUser(login, password string) error {
	u, err := s.srv.Auth.Authenticate(login, password)
	if err != nil {
		return err
	}
	s.login = u.Login
	return nil
}

func cmdLogin(s *Session, tag string, p *parser) error {
	login, err := p.astring()
	if err != nil {
		return err
	}
	password, err := p.astring()
	if err != nil {
		return err
	}
	if end, _ := p.atEnd(); !end {
		return errkind.New(errkind.ErrProtocol, "trailing data after LOGIN")
	}
	if err := s.authenticateUser(login, password); err != nil {
		return errkind.New(errkind.ErrAuthFailed, "LOGIN failed")
	}
	s.state = StateAuthenticated
	s.respond(tag, "OK", "LOGIN completed")
	return nil
}

// cmdAuthenticate drives a SASL PLAIN/LOGIN exchange over the
// connection's line protocol (continuation lines are base64, not IMAP
// literals, so this bypasses the command scanner's tokenizer once the
// mechanism name is read).
func cmdAuthenticate(s *Session, tag string, p *parser) error {
	mech, err := p.atom()
	if err != nil {
		return err
	}

	var srv sasl.Server
	switch strings.ToUpper(mech) {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticateUser(username, password)
		})
	case "LOGIN":
		srv = sasl.NewLoginServer(func(username, password string) error {
			return s.authenticateUser(username, password)
		})
	default:
		return errkind.New(errkind.ErrProtocol, "unsupported SASL mechanism "+mech)
	}

	challenge, done, err := srv.Next(nil)
	for !done {
		if err != nil {
			return errkind.New(errkind.ErrAuthFailed, "authentication failed")
		}
		s.conn.WriteLine("+ %s", base64.StdEncoding.EncodeToString(challenge))
		if ferr := s.conn.Flush(); ferr != nil {
			return errkind.New(errkind.ErrIO, ferr.Error())
		}
		line, rerr := s.conn.ReadContinuationLine()
		if rerr != nil {
			return rerr
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			return errkind.New(errkind.ErrProtocol, "authentication cancelled")
		}
		resp, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return errkind.New(errkind.ErrProtocol, "invalid base64 response")
		}
		challenge, done, err = srv.Next(resp)
	}
	if err != nil {
		return errkind.New(errkind.ErrAuthFailed, "authentication failed")
	}
	s.state = StateAuthenticated
	s.respond(tag, "OK", "AUTHENTICATE completed")
	return nil
}

// cmdUID dispatches the UID-prefixed variants of COPY/FETCH/STORE/
// SEARCH/EXPUNGE onto the same implementation, uidMode set.
func cmdUID(s *Session, tag string, p *parser) error {
	sub, err := p.atom()
	if err != nil {
		return err
	}
	switch strings.ToUpper(sub) {
	case "COPY":
		return s.runCopy(tag, true, p)
	case "FETCH":
		return s.runFetch(tag, true, p)
	case "STORE":
		return s.runStore(tag, true, p)
	case "SEARCH":
		return s.runSearch(tag, true, p)
	case "EXPUNGE":
		return s.runUIDExpunge(tag, p)
	default:
		return errkind.New(errkind.ErrProtocol, "unsupported UID subcommand "+sub)
	}
}

// drainUpdates flushes any events queued on the session's folder
// listener as untagged responses -- the mechanism behind scenario 3
// (another session's APPEND becomes visible on this session's next
// NOOP) and the streaming half of IDLE.
func (s *Session) drainUpdates() {
	if s.listener == nil {
		return
	}
	for {
		select {
		case ev := <-s.listener.C:
			s.emitEvent(ev)
		default:
			return
		}
	}
}

// emitEvent renders one folder change notification as the untagged
// response it corresponds to, shared by NOOP's non-blocking drain and
// IDLE's blocking stream.
func (s *Session) emitEvent(ev mailstore.Event) {
	switch ev.Kind {
	case mailstore.EventAdded:
		info := s.selected.Info()
		s.untagged("%d EXISTS", info.NumMessages)
	case mailstore.EventExpunged:
		s.untagged("%d EXPUNGE", ev.SeqNo)
	case mailstore.EventFlagsUpdated:
		s.untagged("%d FETCH (FLAGS (%s))", ev.SeqNo, strings.Join(ev.Flags, " "))
	}
}
