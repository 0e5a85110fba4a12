// Package config is the Config component (SPEC_FULL.md §4.I): it
// parses the GreenMail-style flat property surface of spec.md §6
// (`setup.<protocol|all>`, `<protocol>.hostname/port`, `users`,
// `auth.disabled`, `verbose`, `startup.timeout`, post-start actions)
// into a Config, and config.Server turns a Config into a running set
// of listeners wired to the store, auth manager, and delivery pipeline.
//
// Grounded on fenilsonani-email-server's internal/config/config.go use
// of github.com/knadh/koanf/v2 (koanf.New, file.Provider, yaml.Parser,
// Unmarshal-from-defaults pattern), adapted from its nested YAML
// document shape to a flat dotted-key property map loaded through
// koanf's confmap provider, since spec.md's configuration surface is a
// Java-Properties-style flat map, not nested YAML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mailsink/mailsink/auth"
)

// Protocols this server knows how to run, in the order spec.md lists
// them.
const (
	ProtoSMTP = "smtp"
	ProtoIMAP = "imap"
	ProtoPOP3 = "pop3"
)

var allProtocols = []string{ProtoSMTP, ProtoIMAP, ProtoPOP3}

// defaultPort is the well-known port for a protocol; the test port
// (default+3000, per spec.md) is what `setup.test.<protocol>` uses.
var defaultPort = map[string]int{
	ProtoSMTP: 25,
	ProtoIMAP: 143,
	ProtoPOP3: 110,
}

// ProtocolConfig is one protocol's bind address, resolved from either
// a `setup`/`setup.test` flag or an explicit `<protocol>.hostname`/
// `<protocol>.port` pair.
type ProtocolConfig struct {
	Enabled  bool
	Hostname string
	Port     int
}

// UserSpec is one entry of the `users` property:
// "login:password[@domain]".
type UserSpec struct {
	Login    string
	Password string
	Domain   string // empty unless an "@domain" suffix was given
}

// PostStartAction is one `foldersCreate`/`emlFilesDirLoad`/`emlFileLoad`
// entry, each of the form "user:value".
type PostStartAction struct {
	Kind  string // "foldersCreate", "emlFilesDirLoad", or "emlFileLoad"
	User  string
	Value string
}

// Config is the fully parsed configuration surface of spec.md §6.
type Config struct {
	Protocols      map[string]ProtocolConfig
	Users          []UserSpec
	LoginForm      auth.LoginForm
	AuthDisabled   bool
	Verbose        bool
	StartupTimeout time.Duration
	PostStart      []PostStartAction

	// Deprecated is set for every dual-spelling key that fired a
	// deprecation warning (currently only imap.loadEmlFile, kept
	// alongside emlFileLoad per spec.md's Open Question).
	Deprecated []string
}

// Load parses the flat property map described in spec.md §6 (the same
// shape as GreenMail's setup properties). Keys not recognized here are
// ignored, matching the teacher's permissive config style.
func Load(props map[string]string) (*Config, error) {
	k := koanf.New(".")
	m := make(map[string]interface{}, len(props))
	for key, val := range props {
		m[key] = val
	}
	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return fromKoanf(k)
}

// LoadFile loads a YAML file at path using the same flat key
// convention as Load, then applies any overrides also present in
// props (props wins on conflict), mirroring fenilsonani's
// defaults-then-file-then-flags layering.
func LoadFile(path string, overrides map[string]string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if len(overrides) > 0 {
		m := make(map[string]interface{}, len(overrides))
		for key, val := range overrides {
			m[key] = val
		}
		if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		Protocols:      make(map[string]ProtocolConfig),
		StartupTimeout: time.Second,
	}

	cfg.Verbose = k.Bool("verbose")
	cfg.AuthDisabled = k.Bool("auth.disabled")

	if ms := k.Int("startup.timeout"); ms > 0 {
		cfg.StartupTimeout = time.Duration(ms) * time.Millisecond
	}

	setupAll := k.Bool("setup.all")
	setupTestAll := k.Bool("setup.test.all")
	for _, proto := range allProtocols {
		pc := ProtocolConfig{Hostname: "127.0.0.1", Port: defaultPort[proto]}

		switch {
		case k.Exists("setup.test." + proto):
			pc.Enabled = k.Bool("setup.test." + proto)
			pc.Port = defaultPort[proto] + 3000
		case setupTestAll:
			pc.Enabled = true
			pc.Port = defaultPort[proto] + 3000
		case k.Exists("setup." + proto):
			pc.Enabled = k.Bool("setup." + proto)
		case setupAll:
			pc.Enabled = true
		}

		if h := k.String(proto + ".hostname"); h != "" {
			pc.Hostname = h
			pc.Enabled = true
		}
		if p := k.Int(proto + ".port"); p > 0 {
			pc.Port = p
			pc.Enabled = true
		}

		cfg.Protocols[proto] = pc
	}

	if loginForm := k.String("users.login"); strings.EqualFold(loginForm, "email") {
		cfg.LoginForm = auth.LoginEmail
	} else {
		cfg.LoginForm = auth.LoginLocalPart
	}

	if usersStr := k.String("users"); usersStr != "" {
		specs, err := parseUsers(usersStr)
		if err != nil {
			return nil, err
		}
		cfg.Users = specs
	}

	for _, kind := range []string{"foldersCreate", "emlFilesDirLoad"} {
		if v := k.String(kind); v != "" {
			action, err := parsePostStart(kind, v)
			if err != nil {
				return nil, err
			}
			cfg.PostStart = append(cfg.PostStart, action)
		}
	}

	emlFileLoad := k.String("emlFileLoad")
	legacy := k.String("imap.loadEmlFile")
	if legacy != "" {
		cfg.Deprecated = append(cfg.Deprecated, "imap.loadEmlFile")
		if emlFileLoad == "" {
			emlFileLoad = legacy
		}
	}
	if emlFileLoad != "" {
		action, err := parsePostStart("emlFileLoad", emlFileLoad)
		if err != nil {
			return nil, err
		}
		cfg.PostStart = append(cfg.PostStart, action)
	}

	return cfg, nil
}

// parseUsers parses "login:password[@domain],login2:password2,...".
func parseUsers(s string) ([]UserSpec, error) {
	var out []UserSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		login, rest, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed users entry %q", part)
		}
		password, domain := rest, ""
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			password, domain = rest[:at], rest[at+1:]
		}
		out = append(out, UserSpec{Login: login, Password: password, Domain: domain})
	}
	return out, nil
}

// parsePostStart parses one "user:value" property into a
// PostStartAction. For foldersCreate, value is itself a comma-separated
// list of folder names, split at execution time by Server.applyPostStart.
func parsePostStart(kind, s string) (PostStartAction, error) {
	user, value, ok := strings.Cut(s, ":")
	if !ok {
		return PostStartAction{}, fmt.Errorf("config: malformed %s entry %q", kind, s)
	}
	return PostStartAction{Kind: kind, User: user, Value: value}, nil
}
