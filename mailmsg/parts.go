package mailmsg

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type headerRange struct{ start, end int }

// splitHeader finds the header block of a message: everything up to and
// including the first blank line (CRLF CRLF, tolerating bare LF LF).
func splitHeader(raw []byte) (headerRange, int, error) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return headerRange{0, i + 4}, i + 4, nil
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return headerRange{0, i + 2}, i + 2, nil
	}
	// No body: treat the whole message as headers.
	return headerRange{0, len(raw)}, len(raw), nil
}

// walk recursively builds the part tree for the entity whose header
// spans [hdrStart,hdrEnd) and whose body starts immediately after.
// The body is taken to run to len(raw); for a sub-part the caller
// narrows BodyStart/BodyEnd to the part's own segment.
func walk(raw []byte, hdrStart, hdrEnd int, num []int) (*Part, error) {
	mh, err := headerFrom(raw[hdrStart:hdrEnd])
	if err != nil {
		return nil, err
	}
	ctype, params, _ := mh.ContentType()
	mtype, subtype := "text", "plain"
	if ctype != "" {
		if i := strings.IndexByte(ctype, '/'); i >= 0 {
			mtype, subtype = ctype[:i], ctype[i+1:]
		} else {
			mtype = ctype
		}
	}
	disp, dparams, _ := mh.ContentDisposition()
	id := mh.Get("Content-Id")
	desc := mh.Get("Content-Description")
	enc := strings.ToUpper(mh.Get("Content-Transfer-Encoding"))
	if enc == "" {
		enc = "7BIT"
	}

	p := &Part{
		Num:          num,
		MediaType:    strings.ToLower(mtype),
		MediaSubtype: strings.ToLower(subtype),
		Params:       params,
		ID:           id,
		Description:  desc,
		Encoding:     enc,
		Disposition:  strings.ToLower(disp),
		DispParams:   dparams,
		HeaderStart:  hdrStart,
		HeaderEnd:    hdrEnd,
	}

	if p.MediaType != "multipart" {
		p.BodyStart = hdrEnd
		p.BodyEnd = len(raw)
		return p, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		p.MediaType, p.MediaSubtype = "text", "plain"
		p.BodyStart, p.BodyEnd = hdrEnd, len(raw)
		return p, nil
	}

	body := raw[hdrEnd:]
	p.BodyStart, p.BodyEnd = hdrEnd, len(raw)

	delim := []byte("--" + boundary)
	segments := splitOnBoundary(body, delim)
	idx := 1
	for _, seg := range segments {
		segStart := hdrEnd + seg.start
		segEnd := hdrEnd + seg.end
		innerHdr, bodyOff, err := splitHeader(raw[segStart:segEnd])
		if err != nil {
			continue
		}
		childNum := append(append([]int{}, num...), idx)
		child, err := walk(raw, segStart+innerHdr.start, segStart+innerHdr.end, childNum)
		if err != nil {
			continue
		}
		child.BodyStart = segStart + bodyOff
		child.BodyEnd = segEnd
		p.Children = append(p.Children, child)
		idx++
	}
	return p, nil
}

type byteRange struct{ start, end int }

// splitOnBoundary splits a multipart body on "--boundary" delimiter
// lines, returning the byte range of each part (header start through
// its trailing CRLF before the next delimiter), excluding the preamble
// and the closing "--boundary--" epilogue.
func splitOnBoundary(body, delim []byte) []byteRange {
	var ranges []byteRange
	pos := 0
	var partStart = -1
	for {
		i := bytes.Index(body[pos:], delim)
		if i < 0 {
			break
		}
		absStart := pos + i
		lineEnd := absStart + len(delim)
		isClose := bytes.HasPrefix(body[lineEnd:], []byte("--"))
		// advance to end of this delimiter line
		rest := body[lineEnd:]
		if isClose {
			rest = rest[2:]
			lineEnd += 2
		}
		if j := bytes.IndexByte(rest, '\n'); j >= 0 {
			lineEnd += j + 1
		} else {
			lineEnd = len(body)
		}

		if partStart >= 0 {
			end := absStart
			end = trimTrailingCRLF(body, partStart, end)
			ranges = append(ranges, byteRange{partStart, end})
		}
		if isClose {
			break
		}
		partStart = lineEnd
		pos = lineEnd
	}
	return ranges
}

func trimTrailingCRLF(body []byte, start, end int) int {
	if end >= 2 && end-2 >= start && body[end-2] == '\r' && body[end-1] == '\n' {
		return end - 2
	}
	if end >= 1 && end-1 >= start && body[end-1] == '\n' {
		return end - 1
	}
	return end
}

// Section resolves an IMAP FETCH section specifier against the parsed
// message and returns the exact bytes it denotes.
//
// Supported forms: "" (full message), "TEXT", "HEADER",
// "HEADER.FIELDS (a b)", "HEADER.FIELDS.NOT (a b)", "MIME" (on a
// sub-part), and dotted part numbers optionally suffixed with one of
// the above ("1", "1.2", "1.TEXT", "2.HEADER.FIELDS (Subject)").
func (m *Message) Section(spec string) ([]byte, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return m.Raw, nil
	}

	path, rest := splitPartPath(spec)
	part := m.Find(path)
	if part == nil {
		return nil, fmt.Errorf("mailmsg: no such part %q", spec)
	}

	switch {
	case rest == "":
		if path == nil {
			return m.Raw, nil
		}
		return part.Bytes(m.Raw), nil
	case rest == "TEXT":
		return part.Bytes(m.Raw), nil
	case rest == "MIME":
		return part.HeaderBytes(m.Raw), nil
	case rest == "HEADER":
		if path == nil {
			return m.Root.HeaderBytes(m.Raw), nil
		}
		return part.HeaderBytes(m.Raw), nil
	case strings.HasPrefix(rest, "HEADER.FIELDS.NOT"):
		return m.filterHeader(part, parseFieldList(rest), true), nil
	case strings.HasPrefix(rest, "HEADER.FIELDS"):
		return m.filterHeader(part, parseFieldList(rest), false), nil
	}
	return nil, fmt.Errorf("mailmsg: unsupported section %q", spec)
}

// splitPartPath splits "1.2.HEADER" into ([]int{1,2}, "HEADER"); a bare
// keyword like "HEADER" with no leading digits yields (nil, "HEADER").
func splitPartPath(spec string) ([]int, string) {
	var path []int
	rest := spec
	for {
		i := strings.IndexByte(rest, '.')
		token := rest
		if i >= 0 {
			token = rest[:i]
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			break
		}
		path = append(path, n)
		if i < 0 {
			rest = ""
			break
		}
		rest = rest[i+1:]
	}
	return path, rest
}

func parseFieldList(rest string) []string {
	i := strings.IndexByte(rest, '(')
	j := strings.LastIndexByte(rest, ')')
	if i < 0 || j < 0 || j < i {
		return nil
	}
	fields := strings.Fields(rest[i+1 : j])
	return fields
}

func (m *Message) filterHeader(part *Part, fields []string, invert bool) []byte {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[strings.ToLower(f)] = true
	}
	var buf bytes.Buffer
	for _, line := range splitHeaderLines(part.HeaderBytes(m.Raw)) {
		name := headerLineName(line)
		if name == "" {
			continue // the terminating blank line, written once below
		}
		keep := want[strings.ToLower(name)]
		if invert {
			keep = !keep
		}
		if keep {
			buf.Write(line)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// splitHeaderLines splits a raw header block into logical header lines,
// each including any folded continuation lines and its terminating
// CRLF.
func splitHeaderLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\n' {
			continue
		}
		lineEnd := i + 1
		// fold: if the next line starts with SP/TAB it belongs to this header
		if lineEnd < len(raw) && (raw[lineEnd] == ' ' || raw[lineEnd] == '\t') {
			continue
		}
		lines = append(lines, raw[start:lineEnd])
		start = lineEnd
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

func headerLineName(line []byte) string {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return string(bytes.TrimSpace(line[:i]))
}

// BodyStructureList renders the IMAP BODYSTRUCTURE / BODY parenthesized
// list for a part, recursively.
func (p *Part) BodyStructureList(raw []byte, extended bool) string {
	var b strings.Builder
	p.writeStructure(&b, raw, extended)
	return b.String()
}

func (p *Part) writeStructure(b *strings.Builder, raw []byte, extended bool) {
	b.WriteByte('(')
	if p.MediaType == "multipart" {
		for _, c := range p.Children {
			c.writeStructure(b, raw, extended)
		}
		fmt.Fprintf(b, " %q", p.MediaSubtype)
		if extended {
			fmt.Fprintf(b, " %s NIL NIL NIL", paramList(p.Params))
		}
		b.WriteByte(')')
		return
	}
	fmt.Fprintf(b, "%q %q %s NIL NIL %q %d", p.MediaType, p.MediaSubtype, paramList(p.Params), p.Encoding, p.BodyEnd-p.BodyStart)
	if p.MediaType == "text" {
		fmt.Fprintf(b, " %d", countLines(raw[p.BodyStart:p.BodyEnd]))
	}
	if extended {
		fmt.Fprintf(b, " NIL %s NIL NIL", dispositionList(p.Disposition, p.DispParams))
	}
	b.WriteByte(')')
}

func countLines(b []byte) int {
	return bytes.Count(b, []byte("\n"))
}

func paramList(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%q %q", strings.ToUpper(k), params[k])
	}
	b.WriteByte(')')
	return b.String()
}

func dispositionList(disp string, params map[string]string) string {
	if disp == "" {
		return "NIL"
	}
	return fmt.Sprintf("(%q %s)", disp, paramList(params))
}
