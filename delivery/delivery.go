// Package delivery is the Delivery Pipeline (SPEC_FULL.md §4.G): it
// takes one accepted SMTP transaction, resolves its recipients through
// the User/Auth Manager, and appends the raw message to each target
// INBOX, firing the same folder listener events APPEND does so IDLE and
// waitForIncomingEmail observe SMTP deliveries identically to APPEND.
//
// Grounded on spilled-ink-spilld's imap/imaptest MemoryStore.SendMsg,
// generalized from a single-recipient lookup to a multi-recipient
// resolve-and-append loop with auto-provisioning.
package delivery

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/mailmsg"
	"github.com/mailsink/mailsink/mailstore"
)

// ReceivedMessage is one accepted SMTP transaction, handed to the
// pipeline once DATA completes.
type ReceivedMessage struct {
	From  string
	Rcpts []string
	Raw   []byte
}

// Pipeline resolves recipients and appends to the store. It also keeps
// the bookkeeping the programmatic test API needs: every delivered
// message (by recipient domain) and a set of waitForIncomingEmail
// waiters, so a test can block until N messages have arrived.
type Pipeline struct {
	Store *mailstore.Store
	Auth  *auth.Manager
	Log   *zap.Logger

	mu       sync.Mutex
	received []Record
	waiters  []*waiter
}

// Record is one delivered message as the programmatic API reports it.
type Record struct {
	From   string
	Rcpt   string
	Raw    []byte
	Landed time.Time
}

type waiter struct {
	rcptLogin string
	target    int
	seen      int
	done      chan struct{}
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.NewNop()
}

// Deliver resolves every recipient and appends the message to their
// INBOX. An unknown recipient is dropped with a logged warning unless
// auth is disabled, in which case the User Manager auto-provisions it
// (SPEC_FULL.md §4.G); SMTP has already accepted the message by RCPT
// time, so this path is only reached for races against a directory
// change between RCPT and DATA.
func (p *Pipeline) Deliver(msg ReceivedMessage) {
	raw := mailmsg.Canonicalize(msg.Raw)
	for _, rcpt := range msg.Rcpts {
		u, ok := p.Auth.Lookup(rcpt)
		if !ok {
			p.logger().Warn("delivery: unknown recipient, dropping",
				zap.String("rcpt", rcpt))
			continue
		}
		inbox := p.Store.EnsureUser(u.Login)
		if _, err := inbox.Append(raw, nil, time.Time{}); err != nil {
			p.logger().Error("delivery: append failed",
				zap.String("rcpt", rcpt), zap.Error(err))
			continue
		}
		p.record(msg.From, u.Login, raw)
	}
}

func (p *Pipeline) record(from, rcptLogin string, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, Record{From: from, Rcpt: rcptLogin, Raw: raw, Landed: time.Now()})
	for _, w := range p.waiters {
		if w.rcptLogin == "" || strings.EqualFold(w.rcptLogin, rcptLogin) {
			w.seen++
			if w.seen >= w.target {
				close(w.done)
			}
		}
	}
	p.waiters = compactWaiters(p.waiters)
}

func compactWaiters(in []*waiter) []*waiter {
	var out []*waiter
	for _, w := range in {
		select {
		case <-w.done:
		default:
			out = append(out, w)
		}
	}
	return out
}

// GetReceivedMessages returns every message delivered so far, across
// all recipients, in delivery order.
func (p *Pipeline) GetReceivedMessages() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.received))
	copy(out, p.received)
	return out
}

// GetReceivedMessagesForDomain filters GetReceivedMessages to
// recipients whose login's email ends in "@domain".
func (p *Pipeline) GetReceivedMessagesForDomain(domain string) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Record
	for _, r := range p.received {
		if u, ok := p.Auth.Lookup(r.Rcpt); ok && strings.HasSuffix(strings.ToLower(u.Email), "@"+strings.ToLower(domain)) {
			out = append(out, r)
		}
	}
	return out
}

// WaitForIncomingEmail blocks until count additional messages have been
// delivered (to any recipient) since this call, or timeout elapses.
// Registration happens under the same lock used to record a delivery,
// so a delivery racing the call can never be missed (SPEC_FULL.md §5).
func (p *Pipeline) WaitForIncomingEmail(timeout time.Duration, count int) bool {
	return p.waitFor("", timeout, count)
}

func (p *Pipeline) waitFor(rcptLogin string, timeout time.Duration, count int) bool {
	w := &waiter{rcptLogin: rcptLogin, target: count, done: make(chan struct{})}
	p.mu.Lock()
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
