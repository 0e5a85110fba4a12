package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailsink/mailsink/auth"
	"github.com/mailsink/mailsink/delivery"
	"github.com/mailsink/mailsink/imap"
	"github.com/mailsink/mailsink/listener"
	"github.com/mailsink/mailsink/mailstore"
	"github.com/mailsink/mailsink/metrics"
	"github.com/mailsink/mailsink/pop3"
	"github.com/mailsink/mailsink/smtp"
)

// Server is the whole assembled mailsink instance: one shared store and
// auth manager behind three protocol front-ends, wired through
// listener.Group's start()/stop() barrier. It is the type config.New
// returns and the one a standalone runner or a test harness drives.
type Server struct {
	cfg      *Config
	Store    *mailstore.Store
	Auth     *auth.Manager
	Delivery *delivery.Pipeline
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Log      *zap.Logger

	group *listener.Group
}

// New builds a Server from cfg but does not yet bind any sockets; call
// Start to do that. A nil registry disables metrics.
func New(cfg *Config, registry *prometheus.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	store := mailstore.NewStore()
	authMgr := auth.NewManager(store, cfg.AuthDisabled)
	authMgr.SetLoginForm(cfg.LoginForm)

	var m *metrics.Metrics
	if registry != nil {
		m = metrics.New(registry)
	}

	pipeline := &delivery.Pipeline{Store: store, Auth: authMgr, Log: log}

	s := &Server{
		cfg:      cfg,
		Store:    store,
		Auth:     authMgr,
		Delivery: pipeline,
		Metrics:  m,
		Registry: registry,
		Log:      log,
		group:    &listener.Group{},
	}

	for _, spec := range cfg.Users {
		login := spec.Login
		if spec.Domain != "" {
			if err := authMgr.SetUserEmail(login+"@"+spec.Domain, login, spec.Password); err != nil {
				log.Warn("config: failed to provision user", zap.String("login", login), zap.Error(err))
			}
			continue
		}
		if err := authMgr.SetUser(login, spec.Password); err != nil {
			log.Warn("config: failed to provision user", zap.String("login", login), zap.Error(err))
		}
	}

	if pc := cfg.Protocols[ProtoSMTP]; pc.Enabled {
		srv := &smtp.Server{Store: pipeline, Auth: authMgr, Hostname: pc.Hostname, AllowNoTLS: true, Log: log, Metrics: m}
		s.group.Add(listener.New(listener.Config{Protocol: "smtp", Bind: pc.Hostname, Port: pc.Port}, srv.Handle, s.logf))
	}
	if pc := cfg.Protocols[ProtoIMAP]; pc.Enabled {
		srv := &imap.Server{Store: store, Auth: authMgr, Log: log, Metrics: m}
		s.group.Add(listener.New(listener.Config{Protocol: "imap", Bind: pc.Hostname, Port: pc.Port}, srv.Handle, s.logf))
	}
	if pc := cfg.Protocols[ProtoPOP3]; pc.Enabled {
		srv := &pop3.Server{Store: store, Auth: authMgr, Hostname: pc.Hostname, AllowNoTLS: true, Log: log, Metrics: m}
		s.group.Add(listener.New(listener.Config{Protocol: "pop3", Bind: pc.Hostname, Port: pc.Port}, srv.Handle, s.logf))
	}

	return s
}

func (s *Server) logf(format string, v ...interface{}) {
	s.Log.Sugar().Debugf(format, v...)
}

// Config returns the configuration this server was built from, for
// test assertions.
func (s *Server) Config() *Config { return s.cfg }

// Start binds every configured listener and runs the post-start
// actions (foldersCreate, emlFilesDirLoad, emlFileLoad) once binding
// completes.
func (s *Server) Start() error {
	for _, dep := range s.cfg.Deprecated {
		s.Log.Warn("config: deprecated key in use", zap.String("key", dep))
	}
	if err := s.group.Start(s.cfg.StartupTimeout); err != nil {
		return err
	}
	for _, action := range s.cfg.PostStart {
		if err := s.applyPostStart(action); err != nil {
			s.Log.Warn("config: post-start action failed",
				zap.String("kind", action.Kind), zap.String("user", action.User), zap.Error(err))
		}
	}
	return nil
}

// Stop closes every listener and joins in-flight sessions within
// shutdownTimeout.
func (s *Server) Stop(shutdownTimeout time.Duration) {
	s.group.Stop(shutdownTimeout)
}

func (s *Server) applyPostStart(a PostStartAction) error {
	switch a.Kind {
	case "foldersCreate":
		for _, name := range splitCSV(a.Value) {
			if err := s.Store.CreateMailbox(a.User, name); err != nil {
				return err
			}
		}
		s.Metrics.SetMailboxCount(s.Store.MailboxCount())
	case "emlFilesDirLoad":
		entries, err := os.ReadDir(a.Value)
		if err != nil {
			return fmt.Errorf("reading %s: %w", a.Value, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := s.loadEmlFile(a.User, filepath.Join(a.Value, e.Name())); err != nil {
				return err
			}
		}
	case "emlFileLoad":
		return s.loadEmlFile(a.User, a.Value)
	default:
		return fmt.Errorf("unknown post-start action %q", a.Kind)
	}
	return nil
}

func (s *Server) loadEmlFile(owner, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	inbox := s.Store.EnsureUser(owner)
	_, err = inbox.Append(raw, nil, time.Time{})
	return err
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// GetReceivedMessages, GetReceivedMessagesForDomain and
// WaitForIncomingEmail implement spec.md §6's programmatic API by
// delegating straight to the Delivery Pipeline.
func (s *Server) GetReceivedMessages() []delivery.Record {
	return s.Delivery.GetReceivedMessages()
}

func (s *Server) GetReceivedMessagesForDomain(domain string) []delivery.Record {
	return s.Delivery.GetReceivedMessagesForDomain(domain)
}

func (s *Server) WaitForIncomingEmail(timeout time.Duration, count int) bool {
	return s.Delivery.WaitForIncomingEmail(timeout, count)
}

// SetUser and SetUserEmail implement the two setUser overloads from
// spec.md §6's programmatic API.
func (s *Server) SetUser(login, password string) error {
	return s.Auth.SetUser(login, password)
}

func (s *Server) SetUserEmail(email, login, password string) error {
	return s.Auth.SetUserEmail(email, login, password)
}
