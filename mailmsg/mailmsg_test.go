package mailmsg

import (
	"strings"
	"testing"
)

const simpleMsg = "From: sender@example.com\r\n" +
	"To: rcpt@example.com\r\n" +
	"Subject: hello there\r\n" +
	"\r\n" +
	"this is the body\r\n"

const multipartMsg = "From: sender@example.com\r\n" +
	"To: rcpt@example.com\r\n" +
	"Subject: multi\r\n" +
	"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"plain part body\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>html part body</p>\r\n" +
	"--BOUND--\r\n"

func TestParseSimpleMessage(t *testing.T) {
	m, err := Parse([]byte(simpleMsg))
	if err != nil {
		t.Fatal(err)
	}
	if m.Root.MediaType != "text" || m.Root.MediaSubtype != "plain" {
		t.Errorf("root part = %s, want text/plain", m.Root)
	}
	env := m.Envelope()
	if env.Subject != "hello there" {
		t.Errorf("Subject=%q", env.Subject)
	}
	if len(env.From) != 1 || env.From[0].Mailbox != "sender" || env.From[0].Host != "example.com" {
		t.Errorf("From=%+v", env.From)
	}
}

func TestSectionFullAndTextAndHeader(t *testing.T) {
	m, err := Parse([]byte(simpleMsg))
	if err != nil {
		t.Fatal(err)
	}
	full, err := m.Section("")
	if err != nil {
		t.Fatal(err)
	}
	if string(full) != simpleMsg {
		t.Errorf("Section(\"\") did not return the full message")
	}

	body, err := m.Section("TEXT")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "this is the body\r\n" {
		t.Errorf("Section(TEXT)=%q", body)
	}

	hdr, err := m.Section("HEADER")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(hdr), "Subject: hello there") {
		t.Errorf("Section(HEADER)=%q missing Subject", hdr)
	}
}

func TestSectionHeaderFieldsAndNot(t *testing.T) {
	m, err := Parse([]byte(simpleMsg))
	if err != nil {
		t.Fatal(err)
	}
	only, err := m.Section("HEADER.FIELDS (Subject)")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(only), "Subject") || strings.Contains(string(only), "From:") {
		t.Errorf("HEADER.FIELDS (Subject) = %q, want only Subject", only)
	}

	not, err := m.Section("HEADER.FIELDS.NOT (Subject)")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(not), "Subject") || !strings.Contains(string(not), "From:") {
		t.Errorf("HEADER.FIELDS.NOT (Subject) = %q, want Subject excluded", not)
	}
}

func TestParseMultipartWalksChildren(t *testing.T) {
	m, err := Parse([]byte(multipartMsg))
	if err != nil {
		t.Fatal(err)
	}
	if m.Root.MediaType != "multipart" {
		t.Fatalf("root = %s, want multipart/*", m.Root)
	}
	if len(m.Root.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(m.Root.Children))
	}
	if m.Root.Children[0].MediaSubtype != "plain" || m.Root.Children[1].MediaSubtype != "html" {
		t.Errorf("children = %s, %s", m.Root.Children[0], m.Root.Children[1])
	}

	part1, err := m.Section("1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(part1), "plain part body") {
		t.Errorf("Section(1)=%q", part1)
	}
	part2, err := m.Section("2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(part2), "html part body") {
		t.Errorf("Section(2)=%q", part2)
	}
}

func TestBodyStructureListIncludesSubtype(t *testing.T) {
	m, err := Parse([]byte(simpleMsg))
	if err != nil {
		t.Fatal(err)
	}
	bs := m.Root.BodyStructureList(m.Raw, false)
	if !strings.Contains(bs, `"plain"`) {
		t.Errorf("BodyStructureList=%q, missing subtype", bs)
	}
}

func TestContainsHeaderBodyAndTextFold(t *testing.T) {
	m, err := Parse([]byte(simpleMsg))
	if err != nil {
		t.Fatal(err)
	}
	if !m.ContainsHeaderFold("Subject", "HELLO") {
		t.Error("ContainsHeaderFold should be case-insensitive")
	}
	if !m.ContainsBodyFold("THE BODY") {
		t.Error("ContainsBodyFold did not find body text")
	}
	if !m.ContainsTextFold("sender@example.com") {
		t.Error("ContainsTextFold did not find header text")
	}
	if m.ContainsTextFold("nonexistent-string") {
		t.Error("ContainsTextFold found text that isn't present")
	}
}

func TestCanonicalizeNormalizesLineEndings(t *testing.T) {
	in := []byte("Subject: x\nbody\r\nmore\rend")
	out := Canonicalize(in)
	if strings.Contains(string(out), "\n") && strings.Count(string(out), "\r\n") != strings.Count(string(out), "\n") {
		t.Errorf("not every LF is preceded by CR: %q", out)
	}
	want := "Subject: x\r\nbody\r\nmore\r\nend"
	if string(out) != want {
		t.Errorf("Canonicalize=%q, want %q", out, want)
	}
}

func TestCanonicalizeLeavesPlainCRLFUntouched(t *testing.T) {
	in := []byte("a\r\nb\r\n")
	out := Canonicalize(in)
	if string(out) != "a\r\nb\r\n" {
		t.Errorf("Canonicalize modified already-CRLF input: %q", out)
	}
}
