package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skillswap/session-core/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

// quietConfig triggers no warnings.
func quietConfig() config.Config {
	return config.Config{
		Mode:                        config.ModeProd,
		AuthMode:                    config.AuthModeJWT,
		JWTSecret:                   strings.Repeat("k", 32),
		AllowedOrigins:              []string{"https://app.example.com"},
		DBPath:                      "/var/lib/skillswap/sessions.db",
		MailboxBackend:              config.MailboxBackendRedis,
		MaxMailboxMessagesPerSecond: 50,
		PresenceHeartbeat:           30 * time.Second,
	}
}

func TestStartupSecurityWarnings_QuietConfig(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, quietConfig())

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := quietConfig()
	cfg.Mode = config.ModeDev
	cfg.AuthMode = config.AuthModeNone

	logStartupSecurityWarnings(logger, cfg)

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_Table(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{
			name:   "wildcard origin",
			mutate: func(c *config.Config) { c.AllowedOrigins = []string{"*"} },
			code:   "allowed_origins_wildcard",
		},
		{
			name:   "short jwt secret",
			mutate: func(c *config.Config) { c.JWTSecret = "short" },
			code:   "jwt_secret_short",
		},
		{
			name:   "memory mailbox in prod",
			mutate: func(c *config.Config) { c.MailboxBackend = config.MailboxBackendMemory },
			code:   "mailbox_memory_in_prod",
		},
		{
			name:   "memory database in prod",
			mutate: func(c *config.Config) { c.DBPath = ":memory:" },
			code:   "database_memory_in_prod",
		},
		{
			name:   "long heartbeat",
			mutate: func(c *config.Config) { c.PresenceHeartbeat = time.Hour },
			code:   "presence_heartbeat_long",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := quietConfig()
			tt.mutate(&cfg)

			logStartupSecurityWarnings(logger, cfg)

			got := warningCodes(records())
			if _, ok := got[tt.code]; !ok || len(got) != 1 {
				t.Fatalf("warnings=%v, want only %q", got, tt.code)
			}
		})
	}
}

func TestMemoryMailboxInDevIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := quietConfig()
	cfg.Mode = config.ModeDev
	cfg.MailboxBackend = config.MailboxBackendMemory
	cfg.DBPath = ":memory:"

	logStartupSecurityWarnings(logger, cfg)

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings in dev: %#v", got)
	}
}
