package config

import (
	"testing"

	"github.com/mailsink/mailsink/auth"
)

func TestLoadSetupAllEnablesEveryProtocolAtDefaultPorts(t *testing.T) {
	cfg, err := Load(map[string]string{"setup.all": "true"})
	if err != nil {
		t.Fatal(err)
	}
	for proto, want := range map[string]int{ProtoSMTP: 25, ProtoIMAP: 143, ProtoPOP3: 110} {
		pc := cfg.Protocols[proto]
		if !pc.Enabled {
			t.Errorf("%s not enabled under setup.all", proto)
		}
		if pc.Port != want {
			t.Errorf("%s port=%d, want %d", proto, pc.Port, want)
		}
	}
}

func TestLoadSetupTestAllUsesOffsetPorts(t *testing.T) {
	cfg, err := Load(map[string]string{"setup.test.all": "true"})
	if err != nil {
		t.Fatal(err)
	}
	for proto, want := range map[string]int{ProtoSMTP: 3025, ProtoIMAP: 3143, ProtoPOP3: 3110} {
		pc := cfg.Protocols[proto]
		if !pc.Enabled || pc.Port != want {
			t.Errorf("%s: enabled=%v port=%d, want enabled port=%d", proto, pc.Enabled, pc.Port, want)
		}
	}
}

func TestPerProtocolSetupOverridesSetupAll(t *testing.T) {
	cfg, err := Load(map[string]string{
		"setup.all":      "true",
		"setup.test.smtp": "true",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocols[ProtoSMTP].Port != 3025 {
		t.Errorf("smtp port=%d, want 3025 (setup.test.smtp wins over setup.all)", cfg.Protocols[ProtoSMTP].Port)
	}
	if !cfg.Protocols[ProtoIMAP].Enabled {
		t.Error("imap should still be enabled via setup.all")
	}
}

func TestExplicitHostnamePortOverridesAndEnables(t *testing.T) {
	cfg, err := Load(map[string]string{
		"imap.hostname": "0.0.0.0",
		"imap.port":     "2143",
	})
	if err != nil {
		t.Fatal(err)
	}
	pc := cfg.Protocols[ProtoIMAP]
	if !pc.Enabled || pc.Hostname != "0.0.0.0" || pc.Port != 2143 {
		t.Errorf("imap config=%+v, want enabled 0.0.0.0:2143", pc)
	}
	if cfg.Protocols[ProtoSMTP].Enabled {
		t.Error("smtp should not be enabled without any setup/explicit key")
	}
}

func TestUsersParsing(t *testing.T) {
	cfg, err := Load(map[string]string{"users": "alice:secret,bob:pw2@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Users) != 2 {
		t.Fatalf("got %d users, want 2", len(cfg.Users))
	}
	if cfg.Users[0].Login != "alice" || cfg.Users[0].Password != "secret" || cfg.Users[0].Domain != "" {
		t.Errorf("user[0]=%+v", cfg.Users[0])
	}
	if cfg.Users[1].Login != "bob" || cfg.Users[1].Password != "pw2" || cfg.Users[1].Domain != "example.com" {
		t.Errorf("user[1]=%+v", cfg.Users[1])
	}
}

func TestUsersLoginFormDefaultsToLocalPart(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LoginForm != auth.LoginLocalPart {
		t.Errorf("LoginForm=%v, want LoginLocalPart", cfg.LoginForm)
	}

	cfg2, err := Load(map[string]string{"users.login": "email"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.LoginForm != auth.LoginEmail {
		t.Errorf("LoginForm=%v, want LoginEmail", cfg2.LoginForm)
	}
}

func TestFoldersCreatePostStartAction(t *testing.T) {
	cfg, err := Load(map[string]string{"foldersCreate": "alice:Work,Archive"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.PostStart) != 1 {
		t.Fatalf("got %d post-start actions, want 1", len(cfg.PostStart))
	}
	a := cfg.PostStart[0]
	if a.Kind != "foldersCreate" || a.User != "alice" || a.Value != "Work,Archive" {
		t.Errorf("action=%+v", a)
	}
}

func TestEmlFileLoadDeprecatedSpellingStillWorksButWarns(t *testing.T) {
	cfg, err := Load(map[string]string{"imap.loadEmlFile": "alice:/tmp/seed.eml"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Deprecated) != 1 || cfg.Deprecated[0] != "imap.loadEmlFile" {
		t.Errorf("Deprecated=%v, want [imap.loadEmlFile]", cfg.Deprecated)
	}
	if len(cfg.PostStart) != 1 || cfg.PostStart[0].Kind != "emlFileLoad" || cfg.PostStart[0].User != "alice" {
		t.Errorf("PostStart=%+v, want one emlFileLoad action for alice", cfg.PostStart)
	}
}

func TestEmlFileLoadWinsOverDeprecatedSpellingOnConflict(t *testing.T) {
	cfg, err := Load(map[string]string{
		"imap.loadEmlFile": "alice:/tmp/legacy.eml",
		"emlFileLoad":      "alice:/tmp/current.eml",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.PostStart) != 1 || cfg.PostStart[0].Value != "/tmp/current.eml" {
		t.Errorf("PostStart=%+v, want the non-deprecated spelling to win", cfg.PostStart)
	}
}

func TestAuthDisabledAndVerboseAndStartupTimeout(t *testing.T) {
	cfg, err := Load(map[string]string{
		"auth.disabled":   "true",
		"verbose":         "true",
		"startup.timeout": "2500",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.AuthDisabled || !cfg.Verbose {
		t.Errorf("AuthDisabled=%v Verbose=%v, want both true", cfg.AuthDisabled, cfg.Verbose)
	}
	if cfg.StartupTimeout.Milliseconds() != 2500 {
		t.Errorf("StartupTimeout=%v, want 2500ms", cfg.StartupTimeout)
	}
}

func TestMalformedUsersEntryErrors(t *testing.T) {
	if _, err := Load(map[string]string{"users": "noColonHere"}); err == nil {
		t.Error("malformed users entry did not error")
	}
}
