package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/imapwire"
	"github.com/mailsink/mailsink/mailmsg"
	"github.com/mailsink/mailsink/mailstore"
)

// fetchItem is one parsed FETCH data item: either a simple keyword
// (UID, FLAGS, ENVELOPE, BODYSTRUCTURE, ...) or a BODY[section]<p.n>
// form, grounded on imap/imapserver/fetch.go's section-addressing logic
// reworked against mailmsg.Message instead of the teacher's email.Msg.
type fetchItem struct {
	Name    string // upper-cased keyword: UID, FLAGS, BODY, RFC822, ...
	Section string // non-empty only for BODY[...]/BODY.PEEK[...]
	Peek    bool
	HasPart bool
	Offset  int
	Len     int
}

// tstream is the minimal interface parser and sliceStream both satisfy,
// letting fetch-item parsing work the same way whether the items came
// bare ("FETCH 1 FLAGS") or inside a parenthesized list
// ("FETCH 1 (FLAGS UID)").
type tstream interface {
	next() (imapwire.Token, error)
	peekTok() (imapwire.Token, error)
}

type sliceStream struct {
	toks []imapwire.Token
	i    int
}

func (s *sliceStream) next() (imapwire.Token, error) {
	if s.i >= len(s.toks) {
		return imapwire.Token{Kind: imapwire.TokEnd}, nil
	}
	t := s.toks[s.i]
	s.i++
	return t, nil
}

func (s *sliceStream) peekTok() (imapwire.Token, error) {
	if s.i >= len(s.toks) {
		return imapwire.Token{Kind: imapwire.TokEnd}, nil
	}
	return s.toks[s.i], nil
}

// parseFetchItems reads the item argument of FETCH/UID FETCH: either a
// single macro/item or a parenthesized list of them.
func parseFetchItems(p *parser) ([]fetchItem, error) {
	t, err := p.peekTok()
	if err != nil {
		return nil, err
	}
	if t.Kind == imapwire.TokListStart {
		toks, err := p.list()
		if err != nil {
			return nil, err
		}
		ss := &sliceStream{toks: toks}
		var items []fetchItem
		for {
			pk, err := ss.peekTok()
			if err != nil {
				return nil, err
			}
			if pk.Kind == imapwire.TokEnd {
				break
			}
			it, err := readFetchItem(ss)
			if err != nil {
				return nil, err
			}
			items = append(items, expandMacro(it)...)
		}
		return items, nil
	}
	it, err := readFetchItem(p)
	if err != nil {
		return nil, err
	}
	return expandMacro(it), nil
}

func expandMacro(it fetchItem) []fetchItem {
	switch it.Name {
	case "ALL":
		return []fetchItem{{Name: "FLAGS"}, {Name: "INTERNALDATE"}, {Name: "RFC822.SIZE"}, {Name: "ENVELOPE"}}
	case "FAST":
		return []fetchItem{{Name: "FLAGS"}, {Name: "INTERNALDATE"}, {Name: "RFC822.SIZE"}}
	case "FULL":
		return []fetchItem{{Name: "FLAGS"}, {Name: "INTERNALDATE"}, {Name: "RFC822.SIZE"}, {Name: "ENVELOPE"}, {Name: "BODY"}}
	default:
		return []fetchItem{it}
	}
}

// readFetchItem reads one item off s. The tricky case is
// BODY[HEADER.FIELDS (a b)]<p.n>: the embedded parenthesized field list
// breaks atom scanning mid-token, so the section keyword, the field
// list, and the closing "]<p.n>" arrive as three separate tokens.
func readFetchItem(s tstream) (fetchItem, error) {
	t, err := s.next()
	if err != nil {
		return fetchItem{}, err
	}
	if t.Kind != imapwire.TokAtom {
		return fetchItem{}, errkind.New(errkind.ErrProtocol, "expected fetch item")
	}
	text := string(t.Value)
	upper := strings.ToUpper(text)

	idx := strings.IndexByte(text, '[')
	if idx < 0 {
		return fetchItem{Name: upper}, nil
	}

	base := strings.ToUpper(text[:idx])
	peek := false
	if base == "BODY.PEEK" {
		peek = true
		base = "BODY"
	}
	secPart := text[idx+1:]

	if closeIdx := strings.IndexByte(secPart, ']'); closeIdx >= 0 {
		section := secPart[:closeIdx]
		offset, length, hasPart, err := parsePartial(secPart[closeIdx+1:])
		if err != nil {
			return fetchItem{}, err
		}
		return fetchItem{Name: base, Section: section, Peek: peek, HasPart: hasPart, Offset: offset, Len: length}, nil
	}

	// HEADER.FIELDS / HEADER.FIELDS.NOT: secPart is the bare keyword, the
	// field names come as a separate parenthesized list token.
	keyword := secPart
	lt, err := s.next()
	if err != nil {
		return fetchItem{}, err
	}
	if lt.Kind != imapwire.TokListStart {
		return fetchItem{}, errkind.New(errkind.ErrProtocol, "expected field list after "+keyword)
	}
	var fields []string
	for {
		ft, err := s.next()
		if err != nil {
			return fetchItem{}, err
		}
		if ft.Kind == imapwire.TokListEnd {
			break
		}
		if ft.Kind == imapwire.TokEnd {
			return fetchItem{}, errkind.New(errkind.ErrProtocol, "unterminated field list")
		}
		fields = append(fields, string(ft.Value))
	}
	closer, err := s.next()
	if err != nil {
		return fetchItem{}, err
	}
	closerText := string(closer.Value)
	if closer.Kind != imapwire.TokAtom || !strings.HasPrefix(closerText, "]") {
		return fetchItem{}, errkind.New(errkind.ErrProtocol, "expected ] after field list")
	}
	offset, length, hasPart, err := parsePartial(closerText[1:])
	if err != nil {
		return fetchItem{}, err
	}
	section := keyword + " (" + strings.Join(fields, " ") + ")"
	return fetchItem{Name: base, Section: section, Peek: peek, HasPart: hasPart, Offset: offset, Len: length}, nil
}

// parsePartial parses a trailing "<offset.length>" partial specifier,
// empty if s is empty.
func parsePartial(s string) (offset, length int, has bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false, nil
	}
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return 0, 0, false, errkind.New(errkind.ErrProtocol, "malformed partial specifier")
	}
	inner := s[1 : len(s)-1]
	parts := strings.SplitN(inner, ".", 2)
	o, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false, errkind.New(errkind.ErrProtocol, "malformed partial offset")
	}
	if len(parts) == 1 {
		return o, -1, true, nil
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false, errkind.New(errkind.ErrProtocol, "malformed partial length")
	}
	return o, n, true, nil
}

// runFetch implements FETCH and UID FETCH identically save for how ids
// are interpreted and whether UID is force-included in the response.
func (s *Session) runFetch(tag string, uidMode bool, p *parser) error {
	start := time.Now()
	defer func() { s.srv.Metrics.ObserveFetch(time.Since(start).Seconds()) }()

	if s.state != StateSelected {
		return errkind.New(errkind.ErrState, "not selected")
	}
	setSpec, err := p.atom()
	if err != nil {
		return err
	}
	items, err := parseFetchItems(p)
	if err != nil {
		return err
	}
	if end, _ := p.atEnd(); !end {
		return errkind.New(errkind.ErrProtocol, "trailing data after fetch items")
	}
	if uidMode {
		hasUID := false
		for _, it := range items {
			if it.Name == "UID" {
				hasUID = true
			}
		}
		if !hasUID {
			items = append([]fetchItem{{Name: "UID"}}, items...)
		}
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

	// Each holds the folder's read lock for its whole iteration, so
	// \Seen is applied afterward (SetSeen takes the write lock) rather
	// than from inside the callback.
	type pendingSeen struct {
		uid uint32
	}
	var toMarkSeen []pendingSeen
	f.Each(uidMode, set, func(seqNo uint32, m *mailstore.StoredMessage) {
		line, needsSeen := s.renderFetch(m, items)
		s.untagged("%d FETCH (%s)", seqNo, line)
		if needsSeen {
			toMarkSeen = append(toMarkSeen, pendingSeen{m.UID()})
		}
	})
	for _, ps := range toMarkSeen {
		flags, seq, changed := f.SetSeen(ps.uid)
		if changed {
			s.untagged("%d FETCH (FLAGS (%s))", seq, strings.Join(flags, " "))
		}
	}

	s.respond(tag, "OK", fmt.Sprintf("%sFETCH completed", uidPrefix(uidMode)))
	return nil
}

func uidPrefix(uidMode bool) string {
	if uidMode {
		return "UID "
	}
	return ""
}

// renderFetch builds the parenthesized data-item list for one message
// and reports whether a non-peek BODY[...]/RFC822/RFC822.TEXT item was
// requested and the message isn't \Seen yet -- SetSeen is applied by the
// caller after the folder's read lock from Each is released.
func (s *Session) renderFetch(m *mailstore.StoredMessage, items []fetchItem) (string, bool) {
	var parts []string
	seenNow := false

	for _, it := range items {
		switch it.Name {
		case "UID":
			parts = append(parts, fmt.Sprintf("UID %d", m.UID()))
		case "FLAGS":
			parts = append(parts, "FLAGS ("+flagsList(m.Flags())+")")
		case "INTERNALDATE":
			parts = append(parts, fmt.Sprintf("INTERNALDATE %s", quoteString(m.InternalDate().Format("02-Jan-2006 15:04:05 -0700"))))
		case "RFC822.SIZE":
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", m.Size()))
		case "RFC822":
			parts = append(parts, literalItem("RFC822", m.Raw()))
			seenNow = seenNow || !m.HasFlag(mailstore.FlagSeen)
		case "RFC822.HEADER":
			parts = append(parts, literalItem("RFC822.HEADER", s.section(m, "HEADER")))
		case "RFC822.TEXT":
			parts = append(parts, literalItem("RFC822.TEXT", s.section(m, "TEXT")))
			seenNow = seenNow || !m.HasFlag(mailstore.FlagSeen)
		case "ENVELOPE":
			parts = append(parts, "ENVELOPE "+s.renderEnvelope(m))
		case "BODY":
			if it.Section == "" && !it.HasPart {
				parts = append(parts, "BODY "+s.renderStructure(m, false))
				continue
			}
			data := s.section(m, it.Section)
			data = applyPartial(data, it)
			label := "BODY[" + it.Section + "]"
			if it.HasPart {
				label += fmt.Sprintf("<%d>", it.Offset)
			}
			parts = append(parts, literalItem(label, data))
			if !it.Peek {
				seenNow = seenNow || !m.HasFlag(mailstore.FlagSeen)
			}
		case "BODYSTRUCTURE":
			parts = append(parts, "BODYSTRUCTURE "+s.renderStructure(m, true))
		}
	}

	return strings.Join(parts, " "), seenNow
}

func (s *Session) section(m *mailstore.StoredMessage, spec string) []byte {
	parsed, err := m.Parsed()
	if err != nil {
		return nil
	}
	data, err := parsed.Section(spec)
	if err != nil {
		return nil
	}
	return data
}

func applyPartial(data []byte, it fetchItem) []byte {
	if !it.HasPart {
		return data
	}
	if it.Offset >= len(data) {
		return nil
	}
	end := len(data)
	if it.Len >= 0 && it.Offset+it.Len < end {
		end = it.Offset + it.Len
	}
	return data[it.Offset:end]
}

func literalItem(label string, data []byte) string {
	return fmt.Sprintf("%s {%d}\r\n%s", label, len(data), data)
}

func flagsList(flags []string) string {
	return strings.Join(flags, " ")
}

func (s *Session) renderEnvelope(m *mailstore.StoredMessage) string {
	parsed, err := m.Parsed()
	if err != nil {
		return "NIL"
	}
	env := parsed.Envelope()
	dateStr := "NIL"
	if !env.Date.IsZero() {
		dateStr = quoteString(env.Date.Format(time.RFC1123Z))
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		dateStr,
		nilOrQuote(env.Subject),
		addrListStr(env.From),
		addrListStr(env.Sender),
		addrListStr(env.ReplyTo),
		addrListStr(env.To),
		addrListStr(env.Cc),
		addrListStr(env.Bcc),
		nilOrQuote(env.InReplyTo),
		nilOrQuote(env.MessageID),
	)
}

func nilOrQuote(s string) string {
	if s == "" {
		return "NIL"
	}
	return quoteString(s)
}

func addrListStr(addrs []mailmsg.Address) string {
	if len(addrs) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, a := range addrs {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "(%s NIL %s %s)", nilOrQuote(a.Name), nilOrQuote(a.Mailbox), nilOrQuote(a.Host))
	}
	b.WriteByte(')')
	return b.String()
}

func (s *Session) renderStructure(m *mailstore.StoredMessage, extended bool) string {
	parsed, err := m.Parsed()
	if err != nil {
		return "NIL"
	}
	return parsed.Root.BodyStructureList(parsed.Raw, extended)
}
