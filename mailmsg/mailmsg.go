// Package mailmsg parses raw RFC 5322 messages into the structures the
// IMAP and POP3 sessions need: header fields for search and ENVELOPE,
// and a byte-addressed MIME part tree for FETCH BODY[section]<p.n>.
//
// Header field decoding (RFC 2047 encoded words, Content-Type and
// Content-Disposition parameters, address lists) is delegated to
// github.com/emersion/go-message, the MIME library this module treats
// as its "opaque message object" parser. Part boundary walking is done
// directly over the raw bytes so that FETCH BODY[section] can return
// the exact octets the client APPENDed, unmodified by any decode/encode
// round-trip through the library.
package mailmsg

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register non-UTF-8 charsets for header decoding
	"github.com/emersion/go-message/mail"
)

// Message is a parsed view of a raw RFC 5322 message. It is built once,
// lazily, from StoredMessage.raw and cached on the StoredMessage.
type Message struct {
	Raw    []byte
	Header *message.Header
	Root   *Part
}

// Part describes one node of the MIME structure tree, addressed by its
// dotted IMAP part number (e.g. "1", "1.2", "2" for a top-level
// non-multipart message "1").
type Part struct {
	Num []int // e.g. []int{1,2} for part "1.2"; empty for the root of a non-multipart message

	MediaType    string // e.g. "text"
	MediaSubtype string // e.g. "plain"
	Params       map[string]string
	ID           string
	Description  string
	Encoding     string
	Disposition  string
	DispParams   map[string]string

	HeaderStart, HeaderEnd int // byte offsets into Message.Raw
	BodyStart, BodyEnd     int // byte offsets into Message.Raw (encoded, as transmitted)

	Children []*Part // non-nil iff MediaType == "multipart"
}

// Parse builds a Message from raw RFC 5322 bytes. It returns an error
// only when the MIME library cannot read the header block; a message
// with no header/body separator is treated as all header, and
// broken MIME structure degrades to a single opaque text/plain part, the
// same way a real mail client would still want RFC822/RFC822.HEADER to
// work even if BODYSTRUCTURE can't be fully resolved.
func Parse(raw []byte) (*Message, error) {
	hdr, _, err := splitHeader(raw)
	if err != nil {
		return nil, err
	}
	root, err := walk(raw, hdr.start, hdr.end, nil)
	if err != nil {
		root = &Part{
			Num:          nil,
			MediaType:    "text",
			MediaSubtype: "plain",
			HeaderStart:  hdr.start,
			HeaderEnd:    hdr.end,
			BodyStart:    hdr.end,
			BodyEnd:      len(raw),
		}
	}
	mh, err := headerFrom(raw[hdr.start:hdr.end])
	if err != nil {
		return nil, err
	}
	return &Message{Raw: raw, Header: mh, Root: root}, nil
}

func headerFrom(raw []byte) (*message.Header, error) {
	e, err := message.Read(bytes.NewReader(append(append([]byte{}, raw...), "\r\n\r\n"...)))
	if err != nil && e == nil {
		return nil, err
	}
	return &e.Header, nil
}

// Envelope is the IMAP ENVELOPE structure (RFC 3501 section 7.4.2).
type Envelope struct {
	Date      time.Time
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	MessageID string
}

// Address is one RFC 5322 mailbox, split into display name, mailbox
// local-part and domain, the shape IMAP ENVELOPE addresses take.
type Address struct {
	Name    string
	Mailbox string
	Host    string
}

// Envelope extracts the ENVELOPE fields using go-message/mail's header
// parsing, which handles RFC 2047 encoded words and RFC 5322 address
// lists.
func (m *Message) Envelope() Envelope {
	mh := mail.Header{Header: *m.Header}
	env := Envelope{}
	if d, err := mh.Date(); err == nil {
		env.Date = d
	}
	if s, err := mh.Text("Subject"); err == nil {
		env.Subject = s
	}
	env.From = addrList(mh, "From")
	env.Sender = addrList(mh, "Sender")
	if len(env.Sender) == 0 {
		env.Sender = env.From
	}
	env.ReplyTo = addrList(mh, "Reply-To")
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	env.To = addrList(mh, "To")
	env.Cc = addrList(mh, "Cc")
	env.Bcc = addrList(mh, "Bcc")
	if v, err := mh.Text("In-Reply-To"); err == nil {
		env.InReplyTo = v
	}
	if v, err := mh.Text("Message-Id"); err == nil {
		env.MessageID = v
	}
	return env
}

func addrList(mh mail.Header, key string) []Address {
	addrs, err := mh.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		mailbox, host := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			mailbox, host = a.Address[:i], a.Address[i+1:]
		}
		out = append(out, Address{Name: a.Name, Mailbox: mailbox, Host: host})
	}
	return out
}

// Find locates the part named by a dotted IMAP part number ("1.2"). An
// empty path returns the root part.
func (m *Message) Find(path []int) *Part {
	p := m.Root
	for _, n := range path {
		if p.MediaType != "multipart" || n < 1 || n > len(p.Children) {
			return nil
		}
		p = p.Children[n-1]
	}
	return p
}

// Bytes returns the exact octets of a part's body, as transmitted.
func (p *Part) Bytes(raw []byte) []byte {
	return raw[p.BodyStart:p.BodyEnd]
}

// HeaderBytes returns a part's raw header block, including the
// terminating blank line.
func (p *Part) HeaderBytes(raw []byte) []byte {
	return raw[p.HeaderStart:p.HeaderEnd]
}

func (p *Part) String() string {
	return fmt.Sprintf("%s/%s", p.MediaType, p.MediaSubtype)
}
