// Package pop3 is the POP3 Session component (SPEC_FULL.md §4.E): the
// AUTHORIZATION -> TRANSACTION -> UPDATE state machine from RFC 1939.
//
// The teacher repository carries no POP3 code at all, so the command
// semantics here are grounded on infodancer-pop3d's
// internal/pop3/transaction_commands.go (STAT/LIST/RETR/DELE/RSET/NOOP/
// UIDL/TOP behavior and response shape) and on foxcpp-maddy's endpoint/
// pop3 package for the APOP/TLS listener pattern, while the dispatch
// itself reuses the tagged-variant table idiom already built for imap
// rather than infodancer's per-command Command/RegisterCommand registry.
package pop3

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/mailstore"
	"github.com/mailsink/mailsink/metrics"
)

// State is the session's position in the RFC 1939 state machine.
type State int

const (
	StateAuthorization State = iota
	StateTransaction
	StateUpdate
)

// Server holds the shared collaborators every session needs.
type Server struct {
	Store      *mailstore.Store
	Auth       *auth.Manager
	Hostname   string
	TLSConfig  *tls.Config
	AllowNoTLS bool
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

func (s *Server) hostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	return "mailsink"
}

func (s *Server) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// drop is one message as the session found it at login: a stable
// message-number, its folder UID, its size and body, and whether this
// session has marked it DELE'd. RFC 1939 requires message numbers and
// sizes to stay fixed for the whole session even if another connection
// changes the mailbox underneath it, so this snapshot -- not the live
// folder -- is what STAT/LIST/RETR/TOP/UIDL answer from.
type drop struct {
	num     int
	uid     uint32
	size    int
	raw     []byte
	deleted bool
}

type session struct {
	srv   *Server
	c     net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	tls   bool
	state State

	greetingStamp string // APOP timestamp banner, unique per connection
	login         string
	user          string // USER command's pending name, before PASS
	folder        *mailstore.Folder
	drops         []drop
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
	s.Metrics.SessionOpened("pop3")
	defer s.Metrics.SessionClosed("pop3")
	defer c.Close()

	sess.greetingStamp = fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), len(s.hostname()), s.hostname())
	sess.replyf("+OK %s POP3 mailsink ready %s", s.hostname(), sess.greetingStamp)

	for {
		line, err := sess.br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		var verb, rest string
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb, rest = strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
		} else {
			verb = strings.ToUpper(line)
		}
		var args []string
		if rest != "" {
			args = strings.Fields(rest)
		}

		if !sess.dispatch(verb, args) {
			return
		}
	}
}

func (s *session) dispatch(verb string, args []string) bool {
	switch verb {
	case "QUIT":
		return s.cmdQuit()
	case "USER":
		s.cmdUser(args)
	case "PASS":
		s.cmdPass(args)
	case "APOP":
		s.cmdApop(args)
	case "STLS":
		return s.cmdStartTLS(args)
	case "STAT":
		s.cmdStat(args)
	case "LIST":
		s.cmdList(args)
	case "RETR":
		s.cmdRetr(args)
	case "DELE":
		s.cmdDele(args)
	case "NOOP":
		s.reply("+OK")
	case "RSET":
		s.cmdRset(args)
	case "TOP":
		s.cmdTop(args)
	case "UIDL":
		s.cmdUidl(args)
	default:
		s.reply("-ERR unknown command")
	}
	return true
}

func (s *session) requireTransaction() bool {
	if s.state != StateTransaction {
		s.reply("-ERR command not valid in this state")
		return false
	}
	return true
}

func (s *session) cmdUser(args []string) {
	if s.state != StateAuthorization {
		s.reply("-ERR command not valid in this state")
		return
	}
	if len(args) != 1 {
		s.reply("-ERR USER requires a name")
		return
	}
	s.user = args[0]
	s.reply("+OK send PASS")
}

func (s *session) cmdPass(args []string) {
	if s.state != StateAuthorization {
		s.reply("-ERR command not valid in this state")
		return
	}
	if s.user == "" {
		s.reply("-ERR USER required first")
		return
	}
	if len(args) < 1 {
		s.reply("-ERR PASS requires a password")
		return
	}
	password := strings.Join(args, " ")
	u, err := s.srv.Auth.Authenticate(s.user, password)
	s.user = ""
	if err != nil {
		s.reply("-ERR authentication failed")
		return
	}
	s.enterTransaction(u.Login)
}

// cmdApop authenticates via RFC 1939's APOP challenge-response. It only
// succeeds with auth disabled: the shared secret APOP's digest needs is
// the plaintext password, which this server never retains once bcrypt
// hashes it (see auth.Manager), so there is no way to verify a digest
// against a real credential store here.
func (s *session) cmdApop(args []string) {
	if s.state != StateAuthorization {
		s.reply("-ERR command not valid in this state")
		return
	}
	if len(args) != 2 {
		s.reply("-ERR APOP requires a name and digest")
		return
	}
	if !s.srv.Auth.AuthDisabled() {
		s.reply("-ERR APOP not supported")
		return
	}
	name := args[0] // digest ignored: auth is disabled, any digest is trusted
	u, ok := s.srv.Auth.Lookup(name)
	if !ok {
		s.reply("-ERR authentication failed")
		return
	}
	s.enterTransaction(u.Login)
}

func (s *session) cmdStartTLS(args []string) bool {
	if s.srv.TLSConfig == nil {
		s.reply("-ERR STLS not supported")
		return true
	}
	if s.state != StateAuthorization {
		s.reply("-ERR command not valid in this state")
		return true
	}
	if s.tls {
		s.reply("-ERR TLS already active")
		return true
	}
	s.reply("+OK begin TLS negotiation")
	s.bw.Flush()

	tconn := tls.Server(s.c, s.srv.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		s.srv.logger().Debug("pop3: TLS handshake failed", zap.Error(err))
		return false
	}
	s.c = tconn
	s.br = bufio.NewReader(tconn)
	s.bw = bufio.NewWriter(tconn)
	s.tls = true
	return true
}

// enterTransaction snapshots the user's INBOX and moves the session to
// TRANSACTION state. Message numbers are assigned 1..N in folder order
// and held fixed for the rest of the session regardless of concurrent
// IMAP/SMTP activity on the same mailbox.
func (s *session) enterTransaction(login string) {
	s.login = login
	folder := s.srv.Store.EnsureUser(login)
	s.folder = folder

	info := folder.Info()
	var set mailstore.SeqSet
	if info.NumMessages > 0 {
		set, _ = mailstore.ParseSeqSet("1:*", info.NumMessages)
	}
	num := 0
	folder.Each(false, set, func(seqNo uint32, msg *mailstore.StoredMessage) {
		num++
		s.drops = append(s.drops, drop{num: num, uid: msg.UID(), size: msg.Size(), raw: msg.Raw()})
	})

	s.state = StateTransaction
	s.replyf("+OK %s's maildrop has %d messages", login, len(s.drops))
}

func (s *session) cmdStat(args []string) {
	if !s.requireTransaction() {
		return
	}
	count, size := 0, 0
	for _, d := range s.drops {
		if d.deleted {
			continue
		}
		count++
		size += d.size
	}
	s.replyf("+OK %d %d", count, size)
}

func (s *session) findDrop(numStr string) (*drop, error) {
	n, err := strconv.Atoi(numStr)
	if err != nil || n < 1 || n > len(s.drops) {
		return nil, fmt.Errorf("no such message")
	}
	d := &s.drops[n-1]
	if d.deleted {
		return nil, fmt.Errorf("message %d already deleted", n)
	}
	return d, nil
}

func (s *session) cmdList(args []string) {
	if !s.requireTransaction() {
		return
	}
	if len(args) == 0 {
		count, size := 0, 0
		for _, d := range s.drops {
			if !d.deleted {
				count++
				size += d.size
			}
		}
		s.replyf("+OK %d messages (%d octets)", count, size)
		for _, d := range s.drops {
			if !d.deleted {
				s.line("%d %d", d.num, d.size)
			}
		}
		s.endMulti()
		return
	}
	d, err := s.findDrop(args[0])
	if err != nil {
		s.replyf("-ERR %s", err)
		return
	}
	s.replyf("+OK %d %d", d.num, d.size)
}

func (s *session) cmdRetr(args []string) {
	if !s.requireTransaction() {
		return
	}
	if len(args) != 1 {
		s.reply("-ERR RETR requires a message number")
		return
	}
	d, err := s.findDrop(args[0])
	if err != nil {
		s.replyf("-ERR %s", err)
		return
	}
	s.replyf("+OK %d octets", d.size)
	s.writeDotStuffed(d.raw)
}

func (s *session) cmdDele(args []string) {
	if !s.requireTransaction() {
		return
	}
	if len(args) != 1 {
		s.reply("-ERR DELE requires a message number")
		return
	}
	d, err := s.findDrop(args[0])
	if err != nil {
		s.replyf("-ERR %s", err)
		return
	}
	d.deleted = true
	s.replyf("+OK message %d deleted", d.num)
}

func (s *session) cmdRset(args []string) {
	if !s.requireTransaction() {
		return
	}
	for i := range s.drops {
		s.drops[i].deleted = false
	}
	s.replyf("+OK maildrop has %d messages", len(s.drops))
}

func (s *session) cmdTop(args []string) {
	if !s.requireTransaction() {
		return
	}
	if len(args) != 2 {
		s.reply("-ERR TOP requires a message number and line count")
		return
	}
	d, err := s.findDrop(args[0])
	if err != nil {
		s.replyf("-ERR %s", err)
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		s.reply("-ERR invalid line count")
		return
	}
	s.reply("+OK")
	headers, body := splitHeaders(d.raw)
	s.writeDotStuffed(headers)
	s.writeLines(firstNLines(body, n))
	s.endMulti()
}

func (s *session) cmdUidl(args []string) {
	if !s.requireTransaction() {
		return
	}
	if len(args) == 0 {
		s.reply("+OK")
		for _, d := range s.drops {
			if !d.deleted {
				s.line("%d %08x", d.num, d.uid)
			}
		}
		s.endMulti()
		return
	}
	d, err := s.findDrop(args[0])
	if err != nil {
		s.replyf("-ERR %s", err)
		return
	}
	s.replyf("+OK %d %08x", d.num, d.uid)
}

// cmdQuit enters UPDATE state: every message this session DELE'd is
// removed from the live folder by UID, skipping any that a concurrent
// session already expunged or that moved out from under this one. A
// connection dropped without QUIT never reaches here, so the maildrop
// is left untouched, per RFC 1939 section 3.
func (s *session) cmdQuit() bool {
	if s.state != StateTransaction {
		s.reply("+OK mailsink POP3 signing off")
		return false
	}
	s.state = StateUpdate

	var toDelete []uint32
	for _, d := range s.drops {
		if d.deleted {
			toDelete = append(toDelete, d.uid)
		}
	}
	if len(toDelete) > 0 && s.folder != nil {
		set := make(mailstore.SeqSet, 0, len(toDelete))
		for _, uid := range toDelete {
			markDeletedByUID(s.folder, uid)
			r, err := mailstore.ParseSeqSet(strconv.FormatUint(uint64(uid), 10), ^uint32(0))
			if err == nil {
				set = append(set, r...)
			}
		}
		s.folder.Expunge(set)
	}
	s.replyf("+OK mailsink POP3 signing off (%d messages removed)", len(toDelete))
	return false
}

// markDeletedByUID sets \Deleted on one message so the subsequent
// Expunge call actually removes it; Expunge only ever removes messages
// already flagged \Deleted.
func markDeletedByUID(f *mailstore.Folder, uid uint32) {
	set, err := mailstore.ParseSeqSet(strconv.FormatUint(uint64(uid), 10), ^uint32(0))
	if err != nil {
		return
	}
	f.StoreFlags(true, set, mailstore.StoreAdd, []string{mailstore.FlagDeleted})
}

func splitHeaders(raw []byte) (headers, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2], raw[i+4:]
	}
	return raw, nil
}

func firstNLines(body []byte, n int) []byte {
	if n == 0 {
		return nil
	}
	lines := bytes.SplitAfter(body, []byte("\n"))
	if n > len(lines) {
		n = len(lines)
	}
	return bytes.Join(lines[:n], nil)
}

func (s *session) reply(line string) {
	fmt.Fprint(s.bw, line+"\r\n")
	s.bw.Flush()
}

func (s *session) replyf(format string, args ...interface{}) {
	s.reply(fmt.Sprintf(format, args...))
}

func (s *session) line(format string, args ...interface{}) {
	fmt.Fprintf(s.bw, format+"\r\n", args...)
}

func (s *session) endMulti() {
	fmt.Fprint(s.bw, ".\r\n")
	s.bw.Flush()
}

// writeDotStuffed writes raw as a multi-line response, byte-stuffing
// any line that begins with '.' and terminating with the "." line, the
// mirror image of SMTP DATA's dot-unstuffing.
func (s *session) writeDotStuffed(raw []byte) {
	r := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if line[0] == '.' {
				s.bw.WriteByte('.')
			}
			s.bw.Write(line)
			if !bytes.HasSuffix(line, []byte("\n")) {
				s.bw.WriteString("\r\n")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	s.endMulti()
}

func (s *session) writeLines(raw []byte) {
	r := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if line[0] == '.' {
				s.bw.WriteByte('.')
			}
			s.bw.Write(line)
		}
		if err != nil {
			break
		}
	}
}
