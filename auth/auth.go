// Package auth is the User/Auth Manager (SPEC_FULL.md §4.C): an
// in-memory login -> {password, email} directory, grounded on
// spilled-ink-spilld's spilldb/db/auth.go Authenticator in its use of
// golang.org/x/crypto/bcrypt to compare credentials without ever
// retaining a plaintext secret past the call that set it.
package auth

import (
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/mailsink/mailsink/errkind"
	"github.com/mailsink/mailsink/mailstore"
)

// User is one entry in the credential directory.
type User struct {
	Login        string
	Email        string
	passwordHash []byte
}

// LoginForm names the two values of the `users.login` configuration key
// (SPEC_FULL.md §6): the local-part of an address or the full email
// address.
type LoginForm int

const (
	LoginLocalPart LoginForm = iota
	LoginEmail
)

// Manager is the in-memory credential store plus auto-provisioning
// policy. It owns no folders itself; EnsureUser on the Store is called
// whenever a user needs an INBOX to exist (auto-provisioning, delivery
// to an unknown recipient).
type Manager struct {
	mu           sync.RWMutex
	byLogin      map[string]*User
	byEmail      map[string]*User
	authDisabled bool
	loginForm    LoginForm
	store        *mailstore.Store
}

// NewManager returns a Manager backed by store. authDisabled makes
// Authenticate accept any password and auto-provision unknown users,
// mirroring GreenMail's auth.disabled behavior.
func NewManager(store *mailstore.Store, authDisabled bool) *Manager {
	return &Manager{
		byLogin:      make(map[string]*User),
		byEmail:      make(map[string]*User),
		authDisabled: authDisabled,
		store:        store,
	}
}

// SetLoginForm records the configured `users.login` form (SPEC_FULL.md
// §6). The value is only stored: Authenticate and Lookup match a user by
// login or by email whichever form is set.
func (m *Manager) SetLoginForm(f LoginForm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginForm = f
}

// AuthDisabled reports whether the `auth.disabled` configuration key is
// set, the condition under which Authenticate accepts any password and
// APOP can be trusted without a plaintext secret to verify its digest
// against.
func (m *Manager) AuthDisabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authDisabled
}

// SetUser creates or updates a user's password, deriving its email as
// login@localhost. Matches the programmatic API's setUser(login,
// password) overload.
func (m *Manager) SetUser(login, password string) error {
	return m.SetUserEmail(login+"@localhost", login, password)
}

// SetUserEmail creates or updates a user with an explicit email,
// matching setUser(email, login, password).
func (m *Manager) SetUserEmail(email, login, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errkind.New(errkind.ErrInternal, "auth: hashing password: "+err.Error())
	}

	m.mu.Lock()
	u := &User{Login: login, Email: email, passwordHash: hash}
	m.byLogin[normalize(login)] = u
	m.byEmail[normalize(email)] = u
	m.mu.Unlock()

	m.store.EnsureUser(login)
	return nil
}

// Authenticate checks login/password against the directory. If
// authDisabled is set, any password succeeds and a missing user is
// auto-created with that password (so a later explicit SetUser call
// for the same login still works, overwriting the placeholder).
func (m *Manager) Authenticate(login, password string) (*User, error) {
	u, ok := m.lookup(login)
	if !ok {
		if !m.authDisabled {
			return nil, errkind.New(errkind.ErrAuthFailed, "unknown user")
		}
		if err := m.SetUser(login, password); err != nil {
			return nil, err
		}
		u, _ = m.lookup(login)
		return u, nil
	}
	if m.authDisabled {
		return u, nil
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil, errkind.New(errkind.ErrAuthFailed, "bad password")
	}
	return u, nil
}

// Lookup resolves a login (without authenticating) to a user, used by
// the Delivery Pipeline to resolve RCPT TO addresses. If authDisabled
// is set and the user does not exist, it is auto-provisioned with an
// empty password (no client can ever supply it, since auth is
// disabled, matching the "any password succeeds" rule).
func (m *Manager) Lookup(loginOrEmail string) (*User, bool) {
	if u, ok := m.lookup(loginOrEmail); ok {
		return u, true
	}
	if !m.authDisabled {
		return nil, false
	}
	login := loginOrEmail
	if i := strings.IndexByte(login, '@'); i >= 0 {
		login = login[:i]
	}
	if err := m.SetUserEmail(loginOrEmail, login, ""); err != nil {
		return nil, false
	}
	return m.lookup(loginOrEmail)
}

func (m *Manager) lookup(loginOrEmail string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := normalize(loginOrEmail)
	if u, ok := m.byLogin[key]; ok {
		return u, true
	}
	if u, ok := m.byEmail[key]; ok {
		return u, true
	}
	return nil, false
}

func normalize(s string) string { return strings.ToLower(s) }
