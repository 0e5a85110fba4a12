package auth

import (
	"testing"

	"github.com/mailsink/mailsink/mailstore"
)

func TestSetUserAndAuthenticate(t *testing.T) {
	store := mailstore.NewStore()
	m := NewManager(store, false)

	if err := m.SetUser("alice", "secret"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}

	u, err := m.Authenticate("alice", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Login != "alice" || u.Email != "alice@localhost" {
		t.Errorf("got %+v, want login=alice email=alice@localhost", u)
	}

	if _, err := m.Authenticate("alice", "wrong"); err == nil {
		t.Error("Authenticate with wrong password succeeded, want error")
	}
	if _, err := m.Authenticate("nobody", "x"); err == nil {
		t.Error("Authenticate for unknown user succeeded, want error")
	}
}

func TestAuthenticateCaseInsensitiveLogin(t *testing.T) {
	store := mailstore.NewStore()
	m := NewManager(store, false)
	if err := m.SetUser("Alice", "secret"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	if _, err := m.Authenticate("alice", "secret"); err != nil {
		t.Errorf("Authenticate with different case failed: %v", err)
	}
}

func TestSetUserEmailAndLookupByEmail(t *testing.T) {
	store := mailstore.NewStore()
	m := NewManager(store, false)
	if err := m.SetUserEmail("bob@example.com", "bob", "secret"); err != nil {
		t.Fatalf("SetUserEmail: %v", err)
	}
	u, ok := m.Lookup("bob@example.com")
	if !ok {
		t.Fatal("Lookup by email failed")
	}
	if u.Login != "bob" {
		t.Errorf("Login=%q, want bob", u.Login)
	}
	if u2, ok := m.Lookup("bob"); !ok || u2.Login != "bob" {
		t.Errorf("Lookup by login failed: %+v, %v", u2, ok)
	}
}

func TestAuthDisabledAutoProvisions(t *testing.T) {
	store := mailstore.NewStore()
	m := NewManager(store, true)

	if !m.AuthDisabled() {
		t.Fatal("AuthDisabled()=false, want true")
	}

	u, err := m.Authenticate("newuser", "whatever")
	if err != nil {
		t.Fatalf("Authenticate with auth disabled failed: %v", err)
	}
	if u.Login != "newuser" {
		t.Errorf("Login=%q, want newuser", u.Login)
	}

	// Any password succeeds for an existing auto-provisioned user too.
	if _, err := m.Authenticate("newuser", "different"); err != nil {
		t.Errorf("second Authenticate with different password failed: %v", err)
	}
}

func TestLookupAutoProvisionsWhenAuthDisabled(t *testing.T) {
	store := mailstore.NewStore()
	m := NewManager(store, true)

	u, ok := m.Lookup("ghost@example.com")
	if !ok {
		t.Fatal("Lookup failed to auto-provision with auth disabled")
	}
	if u.Login != "ghost" {
		t.Errorf("Login=%q, want ghost", u.Login)
	}
}

func TestLookupDoesNotAutoProvisionWhenAuthEnabled(t *testing.T) {
	store := mailstore.NewStore()
	m := NewManager(store, false)
	if _, ok := m.Lookup("ghost@example.com"); ok {
		t.Error("Lookup auto-provisioned with auth enabled, want failure")
	}
}
