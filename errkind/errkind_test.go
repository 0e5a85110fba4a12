package errkind

import (
	"errors"
	"testing"
)

func TestNewWrapsKind(t *testing.T) {
	err := New(ErrNotFound, "mailbox \"Foo\" does not exist")
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is does not recognize the wrapped kind")
	}
	if errors.Is(err, ErrForbidden) {
		t.Error("errors.Is matched an unrelated kind")
	}
	if err.Error() != `mailbox "Foo" does not exist` {
		t.Errorf("Error()=%q, want the original message", err.Error())
	}
}

func TestDistinctSentinels(t *testing.T) {
	kinds := []error{
		ErrProtocol, ErrState, ErrAuthFailed, ErrForbidden, ErrNotFound,
		ErrAlreadyExists, ErrQuotaExceeded, ErrIO, ErrShutdown, ErrInternal,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j && errors.Is(a, b) {
				t.Errorf("kind %d unexpectedly matches kind %d", i, j)
			}
		}
	}
}
