package imap

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mailsink/mailsink/mailmsg"
)

// canonicalizeMessage normalizes line endings of an APPENDed message
// before it enters the store, so every later byte-addressed operation
// works against a fixed representation (SPEC_FULL.md §9). SMTP delivery
// canonicalizes separately; config preloading appends files as read.
func canonicalizeMessage(raw []byte) []byte {
	return mailmsg.Canonicalize(raw)
}

func oldUIDs(mapping map[uint32]uint32) []uint32 {
	out := make([]uint32, 0, len(mapping))
	for k := range mapping {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newUIDs(mapping map[uint32]uint32) []uint32 {
	olds := oldUIDs(mapping)
	out := make([]uint32, len(olds))
	for i, o := range olds {
		out[i] = mapping[o]
	}
	return out
}

// joinUIDs renders a UID list as the comma-separated sequence-set text
// UIDPLUS's COPYUID response item expects.
func joinUIDs(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}
