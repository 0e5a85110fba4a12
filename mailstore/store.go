// Package mailstore is the in-memory Mailbox Store shared by the IMAP
// and POP3 sessions and fed by the SMTP delivery pipeline.
//
// It is grounded on the in-memory IMAP backend in
// spilled-ink-spilld's imap/imaptest/memory.go (MemoryStore /
// memoryUser / memoryMailbox), generalized from that package's flat
// per-user mailbox map to hierarchical folder paths, and enriched with
// explicit UIDVALIDITY-on-recreate and channel-based listeners (see
// DESIGN.md).
package mailstore

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailsink/mailsink/errkind"
)

const delimiter = "/"

// Store owns every Folder and StoredMessage in the server. A single
// RWMutex guards the directory structure (which folders exist, their
// parent/child relationships) across every user; each Folder has its
// own mutex for the message list it contains. See §5 of SPEC_FULL.md
// for the reasoning: readers of one folder never block writers of
// another, but a rename can never race a concurrent create.
type Store struct {
	mu    sync.RWMutex
	users map[string]map[string]*Folder // owner -> canonical path -> folder

	uidValiditySeq uint32
}

// NewStore returns an empty Store. Users and their INBOX are created on
// first reference (EnsureUser), mirroring GreenMail's auto-provisioning
// behavior when auth is disabled.
func NewStore() *Store {
	return &Store{users: make(map[string]map[string]*Folder)}
}

func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func isReserved(name string) bool {
	return strings.EqualFold(name, "INBOX")
}

// EnsureUser creates the user's folder namespace (just INBOX) if it
// does not exist yet, and is a no-op otherwise. It is called by the
// Auth Manager on auto-provisioning and by the Delivery Pipeline before
// appending a message for a brand new recipient.
func (s *Store) EnsureUser(owner string) *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureUserLocked(owner)
}

func (s *Store) ensureUserLocked(owner string) *Folder {
	folders, ok := s.users[owner]
	if !ok {
		folders = make(map[string]*Folder)
		s.users[owner] = folders
	}
	inbox, ok := folders["INBOX"]
	if !ok {
		inbox = s.newFolderLocked(owner, "INBOX")
		folders["INBOX"] = inbox
	}
	return inbox
}

func (s *Store) newFolderLocked(owner, name string) *Folder {
	return &Folder{
		store:       s,
		owner:       owner,
		name:        name,
		uidValidity: atomic.AddUint32(&s.uidValiditySeq, 1),
		uidNext:     1,
		listeners:   make(map[*Listener]struct{}),
	}
}

// CreateMailbox creates a folder, creating intermediate parents as
// needed. It fails AlreadyExists if the leaf exists and Forbidden for
// reserved names (INBOX).
func (s *Store) CreateMailbox(owner, p string) error {
	if isReserved(p) {
		return errkind.New(errkind.ErrForbidden, "cannot create INBOX")
	}
	if strings.HasPrefix(p, delimiter) || strings.HasSuffix(p, delimiter) {
		return errkind.New(errkind.ErrProtocol, "mailbox name must not start or end with the delimiter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	folders := s.ensureFoldersMapLocked(owner)

	segs := strings.Split(p, delimiter)
	cur := ""
	for i, seg := range segs {
		if cur == "" {
			cur = seg
		} else {
			cur = cur + delimiter + seg
		}
		last := i == len(segs)-1
		if f, ok := folders[cur]; ok {
			if last {
				if f.noselect {
					f.noselect = false
					return nil
				}
				return errkind.New(errkind.ErrAlreadyExists, fmt.Sprintf("mailbox %q already exists", p))
			}
			continue
		}
		folders[cur] = s.newFolderLocked(owner, cur)
	}
	return nil
}

func (s *Store) ensureFoldersMapLocked(owner string) map[string]*Folder {
	folders, ok := s.users[owner]
	if !ok {
		folders = make(map[string]*Folder)
		s.users[owner] = folders
	}
	if _, ok := folders["INBOX"]; !ok {
		folders["INBOX"] = s.newFolderLocked(owner, "INBOX")
	}
	return folders
}

// DeleteMailbox removes a folder and its messages. INBOX cannot be
// deleted. A folder with children is retained, flagged \Noselect, if it
// still has children after its own messages are removed (standard IMAP
// semantics).
func (s *Store) DeleteMailbox(owner, p string) error {
	if isReserved(p) {
		return errkind.New(errkind.ErrForbidden, "cannot delete INBOX")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	folders := s.users[owner]
	f, ok := folders[p]
	if !ok {
		return errkind.New(errkind.ErrNotFound, fmt.Sprintf("mailbox %q does not exist", p))
	}

	hasChildren := false
	prefix := p + delimiter
	for name := range folders {
		if strings.HasPrefix(name, prefix) {
			hasChildren = true
			break
		}
	}

	f.mu.Lock()
	f.messages = nil
	f.mu.Unlock()

	if hasChildren {
		f.mu.Lock()
		f.noselect = true
		f.mu.Unlock()
		return nil
	}
	delete(folders, p)
	return nil
}

// RenameMailbox is atomic with respect to other sessions: UIDVALIDITY
// of the renamed folder is preserved. Renaming INBOX moves its messages
// to the destination and leaves INBOX (re-created, empty) in place.
func (s *Store) RenameMailbox(owner, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	folders := s.ensureFoldersMapLocked(owner)
	from, to = canonicalName(from), canonicalName(to)

	f, ok := folders[from]
	if !ok {
		return errkind.New(errkind.ErrNotFound, fmt.Sprintf("mailbox %q does not exist", from))
	}
	if _, exists := folders[to]; exists {
		return errkind.New(errkind.ErrAlreadyExists, fmt.Sprintf("mailbox %q already exists", to))
	}

	if strings.EqualFold(from, "INBOX") {
		dst := s.newFolderLocked(owner, to)
		f.mu.Lock()
		dst.messages = f.messages
		dst.uidNext = f.uidNext
		f.messages = nil
		f.mu.Unlock()
		folders[to] = dst
		return nil
	}

	delete(folders, from)
	f.mu.Lock()
	f.name = to
	f.mu.Unlock()
	folders[to] = f

	// Rename descendants along with their parent, preserving each one's
	// own UIDVALIDITY (only the path segment changes).
	oldPrefix := from + delimiter
	newPrefix := to + delimiter
	var renames []string
	for name := range folders {
		if strings.HasPrefix(name, oldPrefix) {
			renames = append(renames, name)
		}
	}
	for _, old := range renames {
		child := folders[old]
		delete(folders, old)
		newName := newPrefix + strings.TrimPrefix(old, oldPrefix)
		child.mu.Lock()
		child.name = newName
		child.mu.Unlock()
		folders[newName] = child
	}
	return nil
}

// MailboxSummary is one row of a LIST/LSUB response.
type MailboxSummary struct {
	Name       string
	Noselect   bool
	HasNoInfer bool
	Subscribed bool
}

// List glob-matches folder names under ref+pattern using IMAP's
// wildcards: '*' matches any characters including the delimiter, '%'
// matches any characters except the delimiter.
func (s *Store) List(owner, ref, pattern string, subscribedOnly bool) []MailboxSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	full := ref + pattern
	folders := s.users[owner]
	var out []MailboxSummary
	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := folders[name]
		if !globMatch(full, name) {
			continue
		}
		f.mu.RLock()
		sub := f.subscribed
		noselect := f.noselect
		f.mu.RUnlock()
		if subscribedOnly && !sub {
			continue
		}
		out = append(out, MailboxSummary{Name: name, Noselect: noselect, Subscribed: sub})
	}
	return out
}

// globMatch implements IMAP LIST wildcards against a folder path.
func globMatch(pattern, name string) bool {
	return globMatchAt(pattern, name)
}

func globMatchAt(pat, s string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case '*':
			for i := 0; i <= len(s); i++ {
				if globMatchAt(pat[1:], s[i:]) {
					return true
				}
			}
			return false
		case '%':
			for i := 0; i <= len(s); i++ {
				if strings.ContainsRune(s[:i], '/') {
					break
				}
				if globMatchAt(pat[1:], s[i:]) {
					return true
				}
			}
			return false
		default:
			if len(s) == 0 || s[0] != pat[0] {
				return false
			}
			pat, s = pat[1:], s[1:]
		}
	}
	return len(s) == 0
}

// Folder resolves an existing folder by path, or ErrNotFound.
func (s *Store) Folder(owner, p string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p = canonicalName(p)
	f, ok := s.users[owner][p]
	if !ok || f.noselect {
		return nil, errkind.New(errkind.ErrNotFound, fmt.Sprintf("mailbox %q does not exist", p))
	}
	return f, nil
}

// MailboxCount returns the total number of mailboxes across every user,
// for the Metrics component's mailbox gauge.
func (s *Store) MailboxCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, folders := range s.users {
		n += len(folders)
	}
	return n
}

// Subscribe/Unsubscribe implement IMAP SUBSCRIBE/UNSUBSCRIBE.
func (s *Store) SetSubscribed(owner, p string, subscribed bool) error {
	f, err := s.Folder(owner, p)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.subscribed = subscribed
	f.mu.Unlock()
	return nil
}

// Folder is one hierarchical mailbox: its message list, UID state, and
// the listeners observing it. Session code never holds a *Folder
// across two independent operations' lock scopes; it always re-resolves
// through the Store (see SPEC_FULL.md §3 Ownership).
type Folder struct {
	store *Store
	owner string

	mu          sync.RWMutex
	name        string
	uidValidity uint32
	uidNext     uint32
	subscribed  bool
	noselect    bool
	messages    []*StoredMessage
	listeners   map[*Listener]struct{}
}

func (f *Folder) Name() string        { return f.name }
func (f *Folder) Owner() string       { return f.owner }
func (f *Folder) UIDValidity() uint32 { f.mu.RLock(); defer f.mu.RUnlock(); return f.uidValidity }

// Base returns the folder's leaf name, used for CREATE/RENAME
// parent-path resolution.
func (f *Folder) Base() string { return path.Base(f.name) }
