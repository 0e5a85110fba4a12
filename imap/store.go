package imap

import (
	"fmt"
	"strings"

	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/imapwire"
	"github.com/mailsink/mailsink/mailstore"
)

// runStore implements STORE and UID STORE: FLAGS/+FLAGS/-FLAGS, each
// optionally .SILENT, per SPEC_FULL.md §4.F.
func (s *Session) runStore(tag string, uidMode bool, p *parser) error {
	setSpec, err := p.atom()
	if err != nil {
		return err
	}
	itemName, err := p.atom()
	if err != nil {
		return err
	}

	upper := strings.ToUpper(itemName)
	silent := strings.HasSuffix(upper, ".SILENT")
	upper = strings.TrimSuffix(upper, ".SILENT")

	var mode mailstore.StoreMode
	switch upper {
	case "FLAGS":
		mode = mailstore.StoreReplace
	case "+FLAGS":
		mode = mailstore.StoreAdd
	case "-FLAGS":
		mode = mailstore.StoreRemove
	default:
		return errkind.New(errkind.ErrProtocol, "unsupported STORE item "+itemName)
	}

	var flags []string
	t, err := p.peekTok()
	if err != nil {
		return err
	}
	if t.Kind == imapwire.TokListStart {
		flags, err = p.stringList()
	} else {
		// A single bare flag with no enclosing parens is tolerated.
		var one string
		one, err = p.astring()
		flags = []string{one}
	}
	if err != nil {
		return err
	}
	if end, _ := p.atEnd(); !end {
		return errkind.New(errkind.ErrProtocol, "trailing data after STORE flags")
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

	results := f.StoreFlags(uidMode, set, mode, flags)
	if !silent {
		for _, r := range results {
			if uidMode {
				s.untagged("%d FETCH (UID %d FLAGS (%s))", r.SeqNo, r.UID, strings.Join(r.Flags, " "))
			} else {
				s.untagged("%d FETCH (FLAGS (%s))", r.SeqNo, strings.Join(r.Flags, " "))
			}
		}
	}
	s.respond(tag, "OK", fmt.Sprintf("%sSTORE completed", uidPrefix(uidMode)))
	return nil
}
