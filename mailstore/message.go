package mailstore

import (
	"sort"
	"sync"
	"time"

	"github.com/mailsink/mailsink/mailmsg"
)

// Flag name constants for the standard IMAP flags (SPEC_FULL.md §3).
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// StoredMessage is one message in a Folder's ordered list. uid is
// immutable after Append; flags are guarded by the owning Folder's
// mutex, not a lock of their own, because every read of flags happens
// already holding that lock (FETCH, SEARCH, STORE, Info all operate
// folder-wide).
type StoredMessage struct {
	uid          uint32
	internalDate time.Time
	raw          []byte
	flags        map[string]struct{}

	parseOnce sync.Once
	parsed    *mailmsg.Message
}

func (m *StoredMessage) UID() uint32            { return m.uid }
func (m *StoredMessage) InternalDate() time.Time { return m.internalDate }
func (m *StoredMessage) Raw() []byte            { return m.raw }
func (m *StoredMessage) Size() int              { return len(m.raw) }

// Flags returns a sorted snapshot of the message's current flags.
// Callers must hold the owning folder's lock (any mode).
func (m *StoredMessage) Flags() []string {
	out := make([]string, 0, len(m.flags))
	for f := range m.flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (m *StoredMessage) hasFlag(flag string) bool {
	_, ok := m.flags[flag]
	return ok
}

// HasFlag reports whether flag is set on the message. Callers must hold
// the owning folder's lock (any mode) -- the same rule as Flags.
func (m *StoredMessage) HasFlag(flag string) bool {
	return m.hasFlag(flag)
}

// Parsed lazily parses the message's raw bytes into a mailmsg.Message
// the first time anything (FETCH ENVELOPE/BODY/BODYSTRUCTURE, SEARCH
// header/body predicates) needs structure beyond the raw bytes.
func (m *StoredMessage) Parsed() (*mailmsg.Message, error) {
	var err error
	m.parseOnce.Do(func() {
		m.parsed, err = mailmsg.Parse(m.raw)
	})
	return m.parsed, err
}

// seqNo returns this message's 1-based position in f.messages. Callers
// must hold f.mu.
func (f *Folder) seqNo(target *StoredMessage) uint32 {
	for i, m := range f.messages {
		if m == target {
			return uint32(i + 1)
		}
	}
	return 0
}

// Info summarizes folder state for IMAP SELECT/EXAMINE/STATUS.
type Info struct {
	NumMessages       uint32
	NumRecent         uint32
	NumUnseen         uint32
	FirstUnseenSeqNum uint32
	UIDNext           uint32
	UIDValidity       uint32
}

func (f *Folder) Info() Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info := Info{
		NumMessages: uint32(len(f.messages)),
		UIDNext:     f.uidNext,
		UIDValidity: f.uidValidity,
	}
	for i, m := range f.messages {
		if m.hasFlag(FlagRecent) {
			info.NumRecent++
		}
		if !m.hasFlag(FlagSeen) {
			info.NumUnseen++
			if info.FirstUnseenSeqNum == 0 {
				info.FirstUnseenSeqNum = uint32(i + 1)
			}
		}
	}
	return info
}

// Append assigns a new UID, marks the message \Recent, appends it, and
// notifies listeners. If internalDate is zero the server assigns now().
func (f *Folder) Append(raw []byte, flags []string, internalDate time.Time) (uid uint32, err error) {
	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	flagSet := make(map[string]struct{}, len(flags)+1)
	for _, fl := range flags {
		flagSet[fl] = struct{}{}
	}
	flagSet[FlagRecent] = struct{}{}

	msg := &StoredMessage{
		internalDate: internalDate,
		raw:          raw,
		flags:        flagSet,
	}

	f.mu.Lock()
	msg.uid = f.uidNext
	f.uidNext++
	f.messages = append(f.messages, msg)
	seq := uint32(len(f.messages))
	f.notifyLocked(Event{Kind: EventAdded, UID: msg.uid, SeqNo: seq})
	f.mu.Unlock()

	return msg.uid, nil
}

// ClearRecentOnSelect clears \Recent from every message in the folder,
// as the first read-write SELECT that observes it must, and returns how
// many messages had it set (the count SELECT reports as RECENT).
func (f *Folder) ClearRecentOnSelect() (cleared uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.hasFlag(FlagRecent) {
			delete(m.flags, FlagRecent)
			cleared++
		}
	}
	return cleared
}

// snapshot returns a snapshot slice (same backing messages, copied
// slice header) for sequence-number-stable iteration by a caller that
// already holds or does not need the folder lock across the whole
// operation (FETCH/SEARCH/STORE take the lock themselves per message
// range instead, see Each).
func (f *Folder) snapshot() []*StoredMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*StoredMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

// byUID resolves a message by UID. Callers must hold f.mu or use it
// only for point-in-time checks.
func (f *Folder) byUID(uid uint32) (*StoredMessage, uint32) {
	for i, m := range f.messages {
		if m.uid == uid {
			return m, uint32(i + 1)
		}
	}
	return nil, 0
}

// Each calls fn(seqNo, msg) for every message whose identifier (UID or
// sequence number, per uidMode) is contained in ids, holding the
// folder's read lock for the duration.
func (f *Folder) Each(uidMode bool, ids SeqSet, fn func(seqNo uint32, msg *StoredMessage)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, m := range f.messages {
		seq := uint32(i + 1)
		id := seq
		if uidMode {
			id = m.uid
		}
		if !ids.Contains(id) {
			continue
		}
		fn(seq, m)
	}
}

// StoreFlags applies an IMAP STORE operation (replace/add/remove) to
// every message named by ids, returning the per-message post-store
// flags for the FETCH FLAGS reply (omitted entirely by callers of the
// .SILENT form).
type StoreMode int

const (
	StoreReplace StoreMode = iota
	StoreAdd
	StoreRemove
)

type StoreResult struct {
	SeqNo uint32
	UID   uint32
	Flags []string
}

func (f *Folder) StoreFlags(uidMode bool, ids SeqSet, mode StoreMode, flags []string) []StoreResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	var results []StoreResult
	for i, m := range f.messages {
		seq := uint32(i + 1)
		id := seq
		if uidMode {
			id = m.uid
		}
		if !ids.Contains(id) {
			continue
		}

		switch mode {
		case StoreAdd:
			for _, fl := range flags {
				m.flags[fl] = struct{}{}
			}
		case StoreRemove:
			for _, fl := range flags {
				delete(m.flags, fl)
			}
		case StoreReplace:
			recent := m.hasFlag(FlagRecent)
			m.flags = make(map[string]struct{}, len(flags)+1)
			for _, fl := range flags {
				m.flags[fl] = struct{}{}
			}
			if recent {
				m.flags[FlagRecent] = struct{}{}
			}
		}

		res := StoreResult{SeqNo: seq, UID: m.uid, Flags: m.Flags()}
		results = append(results, res)
		f.notifyLocked(Event{Kind: EventFlagsUpdated, UID: m.uid, SeqNo: seq, Flags: res.Flags})
	}
	return results
}

// SetSeen sets \Seen on one message, used by non-PEEK BODY[] fetches.
// Returns the message's full flag set after the change, for the
// unsolicited FETCH FLAGS response FETCH BODY[] must also emit.
func (f *Folder) SetSeen(uid uint32) (flags []string, seqNo uint32, changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, seq := f.byUID(uid)
	if m == nil {
		return nil, 0, false
	}
	if m.hasFlag(FlagSeen) {
		return m.Flags(), seq, false
	}
	m.flags[FlagSeen] = struct{}{}
	flags = m.Flags()
	f.notifyLocked(Event{Kind: EventFlagsUpdated, UID: uid, SeqNo: seq, Flags: flags})
	return flags, seq, true
}

// Expunge removes every message flagged \Deleted (optionally restricted
// to uidSeqs, UID EXPUNGE per RFC 4315) and returns the sequence numbers
// removed in descending order, the order a client can apply without
// having to account for renumbering as it goes.
func (f *Folder) Expunge(uidSeqs SeqSet) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removedSeqs []uint32
	kept := f.messages[:0:0]
	for i, m := range f.messages {
		seq := uint32(i + 1)
		if m.hasFlag(FlagDeleted) && (uidSeqs == nil || uidSeqs.Contains(m.uid)) {
			removedSeqs = append(removedSeqs, seq)
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept

	// Emit in descending order and fire one Expunged event per removal,
	// each against the sequence number that was valid at the moment of
	// its own removal (RFC 3501 section 7.4.1's renumbering rule).
	descending := make([]uint32, len(removedSeqs))
	for i, s := range removedSeqs {
		descending[len(removedSeqs)-1-i] = s
	}
	for _, seq := range descending {
		f.notifyLocked(Event{Kind: EventExpunged, SeqNo: seq})
	}
	return descending
}

// Copy appends a copy of every message named by ids to dst, returning
// the old-UID -> new-UID mapping UIDPLUS's COPYUID response item needs.
func (f *Folder) Copy(uidMode bool, ids SeqSet, dst *Folder) (oldToNew map[uint32]uint32) {
	oldToNew = make(map[uint32]uint32)
	type copyItem struct {
		m     *StoredMessage
		flags []string
	}
	var toCopy []copyItem
	f.mu.RLock()
	for i, m := range f.messages {
		seq := uint32(i + 1)
		id := seq
		if uidMode {
			id = m.uid
		}
		if ids.Contains(id) {
			toCopy = append(toCopy, copyItem{m, m.Flags()})
		}
	}
	f.mu.RUnlock()

	for _, c := range toCopy {
		newUID, _ := dst.Append(c.m.raw, c.flags, c.m.internalDate)
		oldToNew[c.m.uid] = newUID
	}
	return oldToNew
}
