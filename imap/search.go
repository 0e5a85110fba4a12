package imap

import (
	"fmt"
	"strings"
	"time"

	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/imapwire"
	"github.com/mailsink/mailsink/mailstore"
)

// searchDateLayout is the RFC 3501 date-day-month-year format used by
// BEFORE/ON/SINCE and their SENT* variants ("1-Feb-1994").
const searchDateLayout = "2-Jan-2006"

// runSearch implements SEARCH and UID SEARCH: an optional CHARSET
// specifier followed by one or more search keys, implicitly ANDed, per
// SPEC_FULL.md §4.B / RFC 3501 section 6.4.4.
func (s *Session) runSearch(tag string, uidMode bool, p *parser) error {
	start := time.Now()
	defer func() { s.srv.Metrics.ObserveSearch(time.Since(start).Seconds()) }()

	t, err := p.peekTok()
	if err != nil {
		return err
	}
	if t.Kind == imapwire.TokAtom && strings.EqualFold(string(t.Value), "CHARSET") {
		p.next()
		charset, err := p.astring()
		if err != nil {
			return err
		}
		switch strings.ToUpper(charset) {
		case "US-ASCII", "UTF-8":
		default:
			s.respond(tag, "NO", "[BADCHARSET] (US-ASCII UTF-8)")
			return nil
		}
	}

	f := s.selected
	info := f.Info()

	var keys []*mailstore.SearchKey
	for {
		end, err := p.atEnd()
		if err != nil {
			return err
		}
		if end {
			break
		}
		k, err := parseSearchKey(p, info.NumMessages)
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return errkind.New(errkind.ErrProtocol, "SEARCH requires at least one key")
	}
	root := keys[0]
	if len(keys) > 1 {
		root = &mailstore.SearchKey{Op: mailstore.SearchAnd, Children: keys}
	}

	ids := f.Search(uidMode, root)
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	s.untagged("SEARCH %s", b.String())
	s.respond(tag, "OK", fmt.Sprintf("%sSEARCH completed", uidPrefix(uidMode)))
	return nil
}

// parseSearchKey reads one search key from p, recursing for OR/NOT and
// parenthesized groups. maxSeq resolves bare sequence-sets and '*'.
func parseSearchKey(p *parser, maxSeq uint32) (*mailstore.SearchKey, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}

	switch t.Kind {
	case imapwire.TokListStart:
		toks, err := readGroupBody(p)
		if err != nil {
			return nil, err
		}
		sub := subParser(toks)
		var children []*mailstore.SearchKey
		for {
			end, err := sub.atEnd()
			if err != nil {
				return nil, err
			}
			if end {
				break
			}
			k, err := parseSearchKey(sub, maxSeq)
			if err != nil {
				return nil, err
			}
			children = append(children, k)
		}
		if len(children) == 0 {
			return nil, errkind.New(errkind.ErrProtocol, "empty search group")
		}
		if len(children) == 1 {
			return children[0], nil
		}
		return &mailstore.SearchKey{Op: mailstore.SearchAnd, Children: children}, nil

	case imapwire.TokEnd:
		return nil, errkind.New(errkind.ErrProtocol, "unexpected end of SEARCH criteria")
	}

	word := string(t.Value)
	upper := strings.ToUpper(word)

	switch upper {
	case "ALL":
		return &mailstore.SearchKey{Op: mailstore.SearchAll}, nil
	case "ANSWERED":
		return &mailstore.SearchKey{Op: mailstore.SearchAnswered}, nil
	case "DELETED":
		return &mailstore.SearchKey{Op: mailstore.SearchDeleted}, nil
	case "DRAFT":
		return &mailstore.SearchKey{Op: mailstore.SearchDraft}, nil
	case "FLAGGED":
		return &mailstore.SearchKey{Op: mailstore.SearchFlagged}, nil
	case "SEEN":
		return &mailstore.SearchKey{Op: mailstore.SearchSeen}, nil
	case "RECENT":
		return &mailstore.SearchKey{Op: mailstore.SearchRecent}, nil
	case "NEW":
		return &mailstore.SearchKey{Op: mailstore.SearchNew}, nil
	case "OLD":
		return &mailstore.SearchKey{Op: mailstore.SearchOld}, nil
	case "UNANSWERED":
		return &mailstore.SearchKey{Op: mailstore.SearchUnanswered}, nil
	case "UNDELETED":
		return &mailstore.SearchKey{Op: mailstore.SearchUndeleted}, nil
	case "UNDRAFT":
		return &mailstore.SearchKey{Op: mailstore.SearchUndraft}, nil
	case "UNFLAGGED":
		return &mailstore.SearchKey{Op: mailstore.SearchUnflagged}, nil
	case "UNSEEN":
		return &mailstore.SearchKey{Op: mailstore.SearchUnseen}, nil

	case "KEYWORD", "UNKEYWORD":
		flag, err := p.atom()
		if err != nil {
			return nil, err
		}
		op := mailstore.SearchKeyword
		if upper == "UNKEYWORD" {
			op = mailstore.SearchUnkeyword
		}
		return &mailstore.SearchKey{Op: op, Flag: flag}, nil

	case "FROM", "TO", "CC", "BCC", "SUBJECT", "BODY", "TEXT":
		val, err := p.astring()
		if err != nil {
			return nil, err
		}
		var op mailstore.SearchOp
		switch upper {
		case "FROM":
			op = mailstore.SearchFrom
		case "TO":
			op = mailstore.SearchTo
		case "CC":
			op = mailstore.SearchCc
		case "BCC":
			op = mailstore.SearchBcc
		case "SUBJECT":
			op = mailstore.SearchSubject
		case "BODY":
			op = mailstore.SearchBody
		case "TEXT":
			op = mailstore.SearchText
		}
		return &mailstore.SearchKey{Op: op, Value: val}, nil

	case "HEADER":
		name, err := p.astring()
		if err != nil {
			return nil, err
		}
		val, err := p.astring()
		if err != nil {
			return nil, err
		}
		return &mailstore.SearchKey{Op: mailstore.SearchHeader, Header: name, Value: val}, nil

	case "LARGER", "SMALLER":
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		op := mailstore.SearchLarger
		if upper == "SMALLER" {
			op = mailstore.SearchSmaller
		}
		return &mailstore.SearchKey{Op: op, Size: int(n)}, nil

	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		ds, err := p.astring()
		if err != nil {
			return nil, err
		}
		d, err := time.Parse(searchDateLayout, ds)
		if err != nil {
			return nil, errkind.New(errkind.ErrProtocol, "invalid date "+ds)
		}
		var op mailstore.SearchOp
		switch upper {
		case "BEFORE":
			op = mailstore.SearchBefore
		case "ON":
			op = mailstore.SearchOn
		case "SINCE":
			op = mailstore.SearchSince
		case "SENTBEFORE":
			op = mailstore.SearchSentBefore
		case "SENTON":
			op = mailstore.SearchSentOn
		case "SENTSINCE":
			op = mailstore.SearchSentSince
		}
		return &mailstore.SearchKey{Op: op, Date: d}, nil

	case "UID":
		setSpec, err := p.atom()
		if err != nil {
			return nil, err
		}
		set, err := mailstore.ParseSeqSet(setSpec, ^uint32(0))
		if err != nil {
			return nil, err
		}
		return &mailstore.SearchKey{Op: mailstore.SearchUIDSet, Set: set}, nil

	case "OR":
		a, err := parseSearchKey(p, maxSeq)
		if err != nil {
			return nil, err
		}
		b, err := parseSearchKey(p, maxSeq)
		if err != nil {
			return nil, err
		}
		return &mailstore.SearchKey{Op: mailstore.SearchOr, Children: []*mailstore.SearchKey{a, b}}, nil

	case "NOT":
		a, err := parseSearchKey(p, maxSeq)
		if err != nil {
			return nil, err
		}
		return &mailstore.SearchKey{Op: mailstore.SearchNot, Children: []*mailstore.SearchKey{a}}, nil
	}

	// Anything else must be a bare sequence-set (digits, ':', ',', '*').
	if isSeqSetToken(word) {
		set, err := mailstore.ParseSeqSet(word, maxSeq)
		if err != nil {
			return nil, err
		}
		return &mailstore.SearchKey{Op: mailstore.SearchSeqSet, Set: set}, nil
	}
	return nil, errkind.New(errkind.ErrProtocol, "unsupported search key "+word)
}

func isSeqSetToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != ',' && r != ':' && r != '*' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// readGroupBody reads tokens up to the matching TokListEnd, the same
// job as parser.list but starting after TokListStart has already been
// consumed by parseSearchKey's caller.
func readGroupBody(p *parser) ([]imapwire.Token, error) {
	var out []imapwire.Token
	depth := 1
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		switch t.Kind {
		case imapwire.TokListStart:
			depth++
			out = append(out, t)
		case imapwire.TokListEnd:
			depth--
			if depth == 0 {
				return out, nil
			}
			out = append(out, t)
		case imapwire.TokEnd:
			return nil, errkind.New(errkind.ErrProtocol, "unterminated search group")
		default:
			out = append(out, t)
		}
	}
}
