package mailmsg

import "bytes"

// Canonicalize normalizes line endings to CRLF, once, at APPEND/delivery
// time, so every later byte-addressed operation (FETCH BODY[], Section,
// the MIME walker) works against a single fixed representation. Existing
// CRLF sequences are left untouched; bare LF is widened to CRLF; bare CR
// not followed by LF is widened too.
func Canonicalize(raw []byte) []byte {
	if !bytes.ContainsAny(raw, "\r\n") {
		return raw
	}
	out := make([]byte, 0, len(raw)+len(raw)/16)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			out = append(out, '\r', '\n')
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, raw[i])
		}
	}
	return out
}
