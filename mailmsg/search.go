package mailmsg

import "strings"

// HeaderText returns the decoded value of a header field (RFC 2047
// encoded words resolved), matching what a SEARCH HEADER/FROM/TO/SUBJECT
// comparison should see.
func (m *Message) HeaderText(key string) string {
	mh := m.Header
	if v, err := mh.Text(key); err == nil {
		return v
	}
	return mh.Get(key)
}

// ContainsHeaderFold reports whether a header field's decoded value
// contains substr, case-insensitively.
func (m *Message) ContainsHeaderFold(key, substr string) bool {
	return strings.Contains(strings.ToLower(m.HeaderText(key)), strings.ToLower(substr))
}

// ContainsBodyFold walks every leaf part's raw bytes looking for substr,
// case-insensitively. It is a best-effort match against encoded bytes;
// base64 parts will not match decoded text, matching the behavior of a
// server that does not transcode message bodies (recorded as a
// simplification, not a protocol violation: RFC 3501 leaves search
// comparator semantics server-defined for non-text parts).
func (m *Message) ContainsBodyFold(substr string) bool {
	substr = strings.ToLower(substr)
	var found bool
	m.eachLeaf(m.Root, func(p *Part) {
		if found {
			return
		}
		if strings.Contains(strings.ToLower(string(p.Bytes(m.Raw))), substr) {
			found = true
		}
	})
	return found
}

// ContainsTextFold searches headers and body leaves, matching the IMAP
// TEXT search key.
func (m *Message) ContainsTextFold(substr string) bool {
	if strings.Contains(strings.ToLower(string(m.Root.HeaderBytes(m.Raw))), strings.ToLower(substr)) {
		return true
	}
	return m.ContainsBodyFold(substr)
}

func (m *Message) eachLeaf(p *Part, fn func(*Part)) {
	if p.MediaType == "multipart" {
		for _, c := range p.Children {
			m.eachLeaf(c, fn)
		}
		return
	}
	fn(p)
}
