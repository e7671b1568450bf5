package main

import (
	"log/slog"
	"time"

	"github.com/skillswap/session-core/internal/config"
)

const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts the X-User-ID header (any caller can act as any user)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MailboxBackend == config.MailboxBackendMemory {
		logger.Warn("startup warning: in-memory mailbox while --mode=prod (signaling, chat and presence are lost on restart and not shared between instances)",
			"warning_code", "mailbox_memory_in_prod",
			"mailbox_backend", cfg.MailboxBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.DBPath == ":memory:" {
		logger.Warn("startup warning: in-memory database while --mode=prod (sessions and credits are lost on restart)",
			"warning_code", "database_memory_in_prod",
			"db_path", cfg.DBPath,
			"mode", cfg.Mode,
		)
	}

	// A long heartbeat makes stale presence linger after a client dies.
	if cfg.PresenceHeartbeat > 5*time.Minute {
		logger.Warn("startup warning: presence heartbeat is very long (offline users keep showing as online)",
			"warning_code", "presence_heartbeat_long",
			"presence_heartbeat", cfg.PresenceHeartbeat,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
