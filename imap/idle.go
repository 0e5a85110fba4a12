package imap

import (
	"strings"

	"github.com/mailsink/mailsink/errkind"
)

// cmdIdle implements RFC 2177 IDLE: the server replies "+ idling" and
// then streams the same EXISTS/EXPUNGE/FETCH notifications drainUpdates
// sends on NOOP, pushed as they arrive instead of polled, until the
// client writes the literal line "DONE". A dropped connection ends IDLE
// without a final tagged response -- the read goroutine below observes
// that as a read error and readCommand's caller tears the session down.
func cmdIdle(s *Session, tag string, p *parser) error {
	if s.listener == nil {
		return errkind.New(errkind.ErrState, "IDLE requires a selected mailbox")
	}

	s.conn.WriteLine("+ idling")
	if err := s.conn.Flush(); err != nil {
		return errkind.New(errkind.ErrIO, err.Error())
	}

	doneCh := make(chan error, 1)
	go func() {
		for {
			line, err := s.conn.ReadContinuationLine()
			if err != nil {
				doneCh <- err
				return
			}
			if strings.EqualFold(strings.TrimSpace(line), "DONE") {
				doneCh <- nil
				return
			}
			// Anything else during IDLE is ignored per RFC 2177 section 3.
		}
	}()

	for {
		select {
		case err := <-doneCh:
			if err != nil {
				return err
			}
			s.respond(tag, "OK", "IDLE terminated")
			return nil
		case ev := <-s.listener.C:
			s.emitEvent(ev)
			if err := s.conn.Flush(); err != nil {
				return errkind.New(errkind.ErrIO, err.Error())
			}
		}
	}
}
