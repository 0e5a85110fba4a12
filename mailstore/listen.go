package mailstore

// EventKind distinguishes the three notifications a folder listener can
// receive (SPEC_FULL.md §4.B).
type EventKind int

const (
	EventAdded EventKind = iota
	EventFlagsUpdated
	EventExpunged
)

// Event is delivered to every Listener registered on a Folder, in the
// same order for every listener: it is always fired while the folder's
// lock is held, so two listeners never observe E1 and E2 in different
// orders (SPEC_FULL.md §5).
type Event struct {
	Kind  EventKind
	UID   uint32
	SeqNo uint32
	Flags []string
}

// Listener is a bounded broadcast queue an IMAP session registers on
// SELECT and pulls events from (on NOOP and during IDLE). Using a channel
// instead of a callback invoked under the folder lock (the design
// spilled-ink-spilld's imap.Notifier uses) avoids a listener re-entering
// the store while the lock is held (SPEC_FULL.md §9).
type Listener struct {
	C chan Event
}

const listenerQueueDepth = 64

// Subscribe registers a new listener on the folder. The caller must
// Unsubscribe when done (typically on session teardown) to stop the
// folder holding a reference to a dead consumer.
func (f *Folder) Subscribe() *Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeLocked()
}

func (f *Folder) subscribeLocked() *Listener {
	l := &Listener{C: make(chan Event, listenerQueueDepth)}
	f.listeners[l] = struct{}{}
	return l
}

// Unsubscribe removes a listener. Safe to call more than once.
func (f *Folder) Unsubscribe(l *Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, l)
}

// notifyLocked fires an event to every registered listener. Callers
// must hold f.mu for writing for the duration of the mutation that
// produced the event, so ordering across listeners is guaranteed.
func (f *Folder) notifyLocked(ev Event) {
	for l := range f.listeners {
		select {
		case l.C <- ev:
		default:
			// Slow consumer: drop rather than block the folder lock.
			// A dropped event only delays an EXISTS/EXPUNGE push;
			// the next FETCH/NOOP/SELECT always reflects true state.
		}
	}
}

// SnapshotAndSubscribe atomically reads the folder's current message
// count and registers a new listener, so no Added/Expunged event fired
// between the read and the Subscribe call is lost. SELECT uses this
// instead of two separate calls to avoid exactly that lost-wakeup
// window (SPEC_FULL.md §5); IDLE then reads the listener SELECT
// registered.
func (f *Folder) SnapshotAndSubscribe() (numMessages int, l *Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), f.subscribeLocked()
}
