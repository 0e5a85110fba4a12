package mailstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/mailsink/mailsink/errkind"
)

// SeqSet is a parsed IMAP sequence-set ("2:4,7,9:*"), resolved against a
// concrete maximum at parse time so '*' never needs to be re-resolved
// later against a folder that may have changed size since.
type SeqSet []seqRange

type seqRange struct{ lo, hi uint32 }

// ParseSeqSet parses an IMAP set grammar, resolving '*' to max. For an
// empty folder (max == 0) '*' resolves to 0 and so matches no message;
// explicit numbers are accepted as given and are not checked against max.
func ParseSeqSet(spec string, max uint32) (SeqSet, error) {
	var out SeqSet
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			return nil, errkind.New(errkind.ErrProtocol, "empty sequence-set element")
		}
		lo, hi, err := parseSeqRange(part, max)
		if err != nil {
			return nil, err
		}
		out = append(out, seqRange{lo, hi})
	}
	return out, nil
}

func parseSeqRange(part string, max uint32) (uint32, uint32, error) {
	if idx := strings.IndexByte(part, ':'); idx >= 0 {
		lo, err := parseSeqNum(part[:idx], max)
		if err != nil {
			return 0, 0, err
		}
		hi, err := parseSeqNum(part[idx+1:], max)
		if err != nil {
			return 0, 0, err
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, nil
	}
	v, err := parseSeqNum(part, max)
	if err != nil {
		return 0, 0, err
	}
	return v, v, nil
}

func parseSeqNum(s string, max uint32) (uint32, error) {
	if s == "*" {
		return max, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errkind.New(errkind.ErrProtocol, "invalid sequence number "+s)
	}
	return uint32(n), nil
}

// Contains reports whether id falls in any range of the set. A nil
// SeqSet (used internally for "no restriction") contains everything.
func (s SeqSet) Contains(id uint32) bool {
	if s == nil {
		return true
	}
	for _, r := range s {
		if id >= r.lo && id <= r.hi {
			return true
		}
	}
	return false
}

// SearchOp enumerates every SEARCH key SPEC_FULL.md §4.B names.
type SearchOp int

const (
	SearchAll SearchOp = iota
	SearchAnswered
	SearchDeleted
	SearchDraft
	SearchFlagged
	SearchSeen
	SearchRecent
	SearchNew
	SearchOld
	SearchUnanswered
	SearchUndeleted
	SearchUndraft
	SearchUnflagged
	SearchUnseen
	SearchKeyword
	SearchUnkeyword
	SearchFrom
	SearchTo
	SearchCc
	SearchBcc
	SearchSubject
	SearchBody
	SearchText
	SearchHeader
	SearchLarger
	SearchSmaller
	SearchBefore
	SearchOn
	SearchSince
	SearchSentBefore
	SearchSentOn
	SearchSentSince
	SearchSeqSet
	SearchUIDSet
	SearchAnd
	SearchOr
	SearchNot
)

// SearchKey is one node of a SEARCH criteria tree. Leaf kinds use the
// field(s) relevant to them; SearchAnd is an implicit list (every
// top-level SEARCH command is one), SearchOr and SearchNot take exactly
// two and one Children entries respectively.
type SearchKey struct {
	Op       SearchOp
	Children []*SearchKey

	Flag   string
	Header string
	Value  string
	Date   time.Time
	Size   int
	Set    SeqSet
}

// Search evaluates root against every message in the folder and returns
// the matching sequence numbers (or UIDs, if uidMode) in ascending
// order, per RFC 3501 section 7.2.5.
func (f *Folder) Search(uidMode bool, root *SearchKey) []uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []uint32
	for i, m := range f.messages {
		seq := uint32(i + 1)
		if matchKey(root, f, m, seq) {
			if uidMode {
				out = append(out, m.uid)
			} else {
				out = append(out, seq)
			}
		}
	}
	return out
}

func matchKey(k *SearchKey, f *Folder, m *StoredMessage, seq uint32) bool {
	switch k.Op {
	case SearchAll:
		return true
	case SearchAnd:
		for _, c := range k.Children {
			if !matchKey(c, f, m, seq) {
				return false
			}
		}
		return true
	case SearchOr:
		return matchKey(k.Children[0], f, m, seq) || matchKey(k.Children[1], f, m, seq)
	case SearchNot:
		return !matchKey(k.Children[0], f, m, seq)

	case SearchAnswered:
		return m.hasFlag(FlagAnswered)
	case SearchUnanswered:
		return !m.hasFlag(FlagAnswered)
	case SearchDeleted:
		return m.hasFlag(FlagDeleted)
	case SearchUndeleted:
		return !m.hasFlag(FlagDeleted)
	case SearchDraft:
		return m.hasFlag(FlagDraft)
	case SearchUndraft:
		return !m.hasFlag(FlagDraft)
	case SearchFlagged:
		return m.hasFlag(FlagFlagged)
	case SearchUnflagged:
		return !m.hasFlag(FlagFlagged)
	case SearchSeen:
		return m.hasFlag(FlagSeen)
	case SearchUnseen:
		return !m.hasFlag(FlagSeen)
	case SearchRecent:
		return m.hasFlag(FlagRecent)
	case SearchNew:
		return m.hasFlag(FlagRecent) && !m.hasFlag(FlagSeen)
	case SearchOld:
		return !m.hasFlag(FlagRecent)
	case SearchKeyword:
		return m.hasFlag(k.Flag)
	case SearchUnkeyword:
		return !m.hasFlag(k.Flag)

	case SearchLarger:
		return m.Size() > k.Size
	case SearchSmaller:
		return m.Size() < k.Size

	case SearchBefore:
		return dateOnly(m.internalDate).Before(k.Date)
	case SearchOn:
		return dateOnly(m.internalDate).Equal(k.Date)
	case SearchSince:
		d := dateOnly(m.internalDate)
		return d.Equal(k.Date) || d.After(k.Date)

	case SearchSentBefore, SearchSentOn, SearchSentSince:
		parsed, err := m.Parsed()
		if err != nil {
			return false
		}
		sent := dateOnly(parsed.Envelope().Date)
		switch k.Op {
		case SearchSentBefore:
			return sent.Before(k.Date)
		case SearchSentOn:
			return sent.Equal(k.Date)
		default:
			return sent.Equal(k.Date) || sent.After(k.Date)
		}

	case SearchFrom:
		return matchHeader(m, "From", k.Value)
	case SearchTo:
		return matchHeader(m, "To", k.Value)
	case SearchCc:
		return matchHeader(m, "Cc", k.Value)
	case SearchBcc:
		return matchHeader(m, "Bcc", k.Value)
	case SearchSubject:
		return matchHeader(m, "Subject", k.Value)
	case SearchHeader:
		return matchHeader(m, k.Header, k.Value)
	case SearchBody:
		parsed, err := m.Parsed()
		if err != nil {
			return false
		}
		return parsed.ContainsBodyFold(k.Value)
	case SearchText:
		parsed, err := m.Parsed()
		if err != nil {
			return false
		}
		return parsed.ContainsTextFold(k.Value)

	case SearchSeqSet:
		return k.Set.Contains(seq)
	case SearchUIDSet:
		return k.Set.Contains(m.uid)
	}
	return false
}

func matchHeader(m *StoredMessage, key, value string) bool {
	parsed, err := m.Parsed()
	if err != nil {
		return false
	}
	if value == "" {
		return parsed.Header.Has(key)
	}
	return parsed.ContainsHeaderFold(key, value)
}

func dateOnly(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
