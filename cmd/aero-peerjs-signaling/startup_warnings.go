package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.Keys) == 0 {
		logger.Warn("startup security warning: PEERJS_KEYS is empty; any key opens a realm",
			"warning_code", "peerjs_keys_unset",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.AllowDiscovery {
		logger.Warn("startup security warning: ALLOW_DISCOVERY=true lists every client id in a realm to anyone holding its key",
			"warning_code", "allow_discovery_enabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ConcurrentLimit <= 0 {
		logger.Warn("startup security warning: CONCURRENT_LIMIT is unset/0 (unlimited clients per realm) while --mode=prod",
			"warning_code", "concurrent_limit_unlimited_in_prod",
			"concurrent_limit", cfg.ConcurrentLimit,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.AliveTimeout > cfg.ZombieSweepInterval*10 {
		logger.Warn("startup warning: ALIVE_TIMEOUT is much larger than ZOMBIE_SWEEP_INTERVAL; dead clients hold their ids for a long time",
			"warning_code", "alive_timeout_large",
			"alive_timeout", cfg.AliveTimeout,
			"zombie_sweep_interval", cfg.ZombieSweepInterval,
			"mode", cfg.Mode,
		)
	}
}
