package imap

import (
	"fmt"
	"strings"
	"time"

	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/imapwire"
	"github.com/mailsink/mailsink/mailstore"
)

func cmdSelect(s *Session, tag string, p *parser) error { return s.selectMailbox(tag, p, false) }
func cmdExamine(s *Session, tag string, p *parser) error { return s.selectMailbox(tag, p, true) }

// selectMailbox implements SELECT and EXAMINE, identical except EXAMINE
// never clears \Recent and always reports READ-ONLY.
func (s *Session) selectMailbox(tag string, p *parser, readOnly bool) error {
	name, err := p.astring()
	if err != nil {
		return err
	}
	f, err := s.srv.Store.Folder(s.login, name)
	if err != nil {
		return err
	}

	s.deselect()

	var recent uint32
	if !readOnly {
		recent = f.ClearRecentOnSelect()
	}
	info := f.Info()
	if readOnly {
		recent = info.NumRecent
	}
	numMessages, listener := f.SnapshotAndSubscribe()

	s.selected = f
	s.listener = listener
	s.readOnly = readOnly
	s.state = StateSelected

	s.untagged("%d EXISTS", numMessages)
	s.untagged("%d RECENT", recent)
	if info.FirstUnseenSeqNum > 0 {
		s.untagged("OK [UNSEEN %d] first unseen message", info.FirstUnseenSeqNum)
	}
	s.untagged("OK [UIDVALIDITY %d] UIDs valid", info.UIDValidity)
	s.untagged("OK [UIDNEXT %d] next UID", info.UIDNext)
	s.untagged("FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)")
	s.untagged("OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] permanent flags")

	if readOnly {
		s.respond(tag, "OK", "[READ-ONLY] EXAMINE completed")
	} else {
		s.respond(tag, "OK", "[READ-WRITE] SELECT completed")
	}
	return nil
}

func (s *Session) deselect() {
	if s.listener != nil && s.selected != nil {
		s.selected.Unsubscribe(s.listener)
	}
	s.selected = nil
	s.listener = nil
}

func cmdCreate(s *Session, tag string, p *parser) error {
	name, err := p.astring()
	if err != nil {
		return err
	}
	if err := s.srv.Store.CreateMailbox(s.login, name); err != nil {
		return err
	}
	s.srv.Metrics.SetMailboxCount(s.srv.Store.MailboxCount())
	s.respond(tag, "OK", "CREATE completed")
	return nil
}

func cmdDelete(s *Session, tag string, p *parser) error {
	name, err := p.astring()
	if err != nil {
		return err
	}
	if err := s.srv.Store.DeleteMailbox(s.login, name); err != nil {
		return err
	}
	s.srv.Metrics.SetMailboxCount(s.srv.Store.MailboxCount())
	s.respond(tag, "OK", "DELETE completed")
	return nil
}

func cmdRename(s *Session, tag string, p *parser) error {
	from, err := p.astring()
	if err != nil {
		return err
	}
	to, err := p.astring()
	if err != nil {
		return err
	}
	if err := s.srv.Store.RenameMailbox(s.login, from, to); err != nil {
		return err
	}
	s.respond(tag, "OK", "RENAME completed")
	return nil
}

func cmdSubscribe(s *Session, tag string, p *parser) error { return s.setSubscribed(tag, p, true) }
func cmdUnsubscribe(s *Session, tag string, p *parser) error {
	return s.setSubscribed(tag, p, false)
}

func (s *Session) setSubscribed(tag string, p *parser, subscribed bool) error {
	name, err := p.astring()
	if err != nil {
		return err
	}
	if err := s.srv.Store.SetSubscribed(s.login, name, subscribed); err != nil {
		return err
	}
	if subscribed {
		s.respond(tag, "OK", "SUBSCRIBE completed")
	} else {
		s.respond(tag, "OK", "UNSUBSCRIBE completed")
	}
	return nil
}

func cmdList(s *Session, tag string, p *parser) error  { return s.list(tag, p, false) }
func cmdLsub(s *Session, tag string, p *parser) error  { return s.list(tag, p, true) }

func (s *Session) list(tag string, p *parser, subscribedOnly bool) error {
	ref, err := p.astring()
	if err != nil {
		return err
	}
	pattern, err := p.astring()
	if err != nil {
		return err
	}
	cmdName := "LIST"
	if subscribedOnly {
		cmdName = "LSUB"
	}
	if pattern == "" {
		s.untagged(`%s (\Noselect) "/" ""`, cmdName)
		s.respond(tag, "OK", cmdName+" completed")
		return nil
	}
	for _, m := range s.srv.Store.List(s.login, ref, pattern, subscribedOnly) {
		attrs := ""
		if m.Noselect {
			attrs = `\Noselect`
		}
		s.untagged(`%s (%s) "/" %s`, cmdName, attrs, quoteString(m.Name))
	}
	s.respond(tag, "OK", cmdName+" completed")
	return nil
}

func cmdStatus(s *Session, tag string, p *parser) error {
	name, err := p.astring()
	if err != nil {
		return err
	}
	items, err := p.stringList()
	if err != nil {
		return err
	}
	f, err := s.srv.Store.Folder(s.login, name)
	if err != nil {
		return err
	}
	info := f.Info()
	var parts []string
	for _, it := range items {
		switch strings.ToUpper(it) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", info.NumMessages))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", info.NumRecent))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", info.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", info.UIDValidity))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", info.NumUnseen))
		}
	}
	s.untagged("STATUS %s (%s)", quoteString(name), strings.Join(parts, " "))
	s.respond(tag, "OK", "STATUS completed")
	return nil
}

func cmdAppend(s *Session, tag string, p *parser) error {
	name, err := p.astring()
	if err != nil {
		return err
	}

	var flags []string
	if end, _ := p.atEnd(); !end {
		t, perr := p.peekTok()
		if perr != nil {
			return perr
		}
		if t.Kind == imapwire.TokListStart {
			flags, err = p.stringList()
			if err != nil {
				return err
			}
		}
	}

	var internalDate time.Time
	raw, err := p.astring()
	if err != nil {
		return err
	}
	if end, _ := p.atEnd(); !end {
		// A second string follows, so the first one was the date-time.
		if parsed, perr := time.Parse("02-Jan-2006 15:04:05 -0700", raw); perr == nil {
			internalDate = parsed
		}
		raw, err = p.astring()
		if err != nil {
			return err
		}
		if end, _ := p.atEnd(); !end {
			return errkind.New(errkind.ErrProtocol, "trailing data after APPEND literal")
		}
	}

	f, err := s.srv.Store.Folder(s.login, name)
	if err != nil {
		return err
	}
	canon := canonicalizeMessage([]byte(raw))
	uid, err := f.Append(canon, flags, internalDate)
	if err != nil {
		return err
	}
	s.respond(tag, "OK", fmt.Sprintf("[APPENDUID %d %d] APPEND completed", f.UIDValidity(), uid))
	return nil
}

func cmdCheck(s *Session, tag string, p *parser) error {
	s.respond(tag, "OK", "CHECK completed")
	return nil
}

func cmdClose(s *Session, tag string, p *parser) error {
	if s.selected != nil && !s.readOnly {
		s.selected.Expunge(nil)
	}
	s.deselect()
	s.state = StateAuthenticated
	s.respond(tag, "OK", "CLOSE completed")
	return nil
}

func cmdExpunge(s *Session, tag string, p *parser) error {
	removed := s.selected.Expunge(nil)
	for _, seq := range removed {
		s.untagged("%d EXPUNGE", seq)
	}
	s.respond(tag, "OK", "EXPUNGE completed")
	return nil
}

func (s *Session) runUIDExpunge(tag string, p *parser) error {
	setSpec, err := p.atom()
	if err != nil {
		return err
	}
	set, err := mailstore.ParseSeqSet(setSpec, ^uint32(0))
	if err != nil {
		return err
	}
	removed := s.selected.Expunge(set)
	for _, seq := range removed {
		s.untagged("%d EXPUNGE", seq)
	}
	s.respond(tag, "OK", "UID EXPUNGE completed")
	return nil
}

func (s *Session) runCopy(tag string, uidMode bool, p *parser) error {
	setSpec, err := p.atom()
	if err != nil {
		return err
	}
	destName, err := p.astring()
	if err != nil {
		return err
	}
	dst, err := s.srv.Store.Folder(s.login, destName)
	if err != nil {
		return err
	}

	f := s.selected
	info := f.Info()
	max := info.NumMessages
	if uidMode {
		max = ^uint32(0)
	}
	set, err := mailstore.ParseSeqSet(setSpec, max)
	if err != nil {
		return err
	}

	mapping := f.Copy(uidMode, set, dst)
	s.respond(tag, "OK", fmt.Sprintf("[COPYUID %d %s %s] %sCOPY completed", dst.UIDValidity(), joinUIDs(oldUIDs(mapping)), joinUIDs(newUIDs(mapping)), uidPrefix(uidMode)))
	return nil
}
