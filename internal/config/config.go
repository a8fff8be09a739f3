package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/origin"
)

const (
	envVarEnvFile         = "AERO_PEERJS_ENV_FILE"
	envVarListenAddr      = "AERO_PEERJS_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_PEERJS_LOG_FORMAT"
	envVarLogLevel        = "AERO_PEERJS_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_PEERJS_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_PEERJS_MODE"

	// Realm behaviour.
	envVarPath                     = "PEERJS_PATH"
	envVarKeys                     = "PEERJS_KEYS"
	envVarAliveTimeout             = "ALIVE_TIMEOUT"
	envVarExpireTimeout            = "EXPIRE_TIMEOUT"
	envVarZombieSweepInterval      = "ZOMBIE_SWEEP_INTERVAL"
	envVarExpireSweepInterval      = "EXPIRE_SWEEP_INTERVAL"
	envVarConcurrentLimit          = "CONCURRENT_LIMIT"
	envVarAllowDiscovery           = "ALLOW_DISCOVERY"
	envVarQueueUndeliveredMessages = "QUEUE_UNDELIVERED_MESSAGES"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultEnvFile         = ".env"
	DefaultListenAddr      = "127.0.0.1:9000"
	DefaultShutdown        = 15 * time.Second
	DefaultMode            = ModeDev
	DefaultPath            = "/"
	DefaultAliveTimeout    = 60 * time.Second
	DefaultExpireTimeout   = 300 * time.Second
	DefaultSweepInterval   = 300 * time.Second
	DefaultConcurrentLimit = 0

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Path is the prefix the PeerJS endpoints are mounted under. It always
	// starts and ends with "/".
	Path string
	// Keys restricts which realm keys may connect. Empty accepts any key.
	Keys []string

	AliveTimeout             time.Duration
	ExpireTimeout            time.Duration
	ZombieSweepInterval      time.Duration
	ExpireSweepInterval      time.Duration
	ConcurrentLimit          int
	AllowDiscovery           bool
	QueueUndeliveredMessages bool

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICEServers is handed to browsers via GET /webrtc/ice.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It does not fail Load;
// readiness reports it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	lookup, err := withEnvFile(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return load(lookup, args)
}

// withEnvFile layers the values of a dotenv file under lookup. The file named
// by AERO_PEERJS_ENV_FILE must exist; the default .env is optional.
func withEnvFile(lookup func(string) (string, bool)) (func(string) (string, bool), error) {
	path, explicit := lookup(envVarEnvFile)
	path = strings.TrimSpace(path)
	if path == "" {
		path, explicit = DefaultEnvFile, false
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read %s %q: %w", envVarEnvFile, path, err)
	}

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

type durationSetting struct {
	env      string
	fallback time.Duration
	dst      *time.Duration
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	path := envOrDefault(lookup, envVarPath, DefaultPath)
	keysStr := envOrDefault(lookup, envVarKeys, "")

	ice := iceSettings{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	var (
		shutdownTimeout         time.Duration
		aliveTimeout            time.Duration
		expireTimeout           time.Duration
		zombieSweepInterval     time.Duration
		expireSweepInterval     time.Duration
		signalingWSIdleTimeout  time.Duration
		signalingWSPingInterval time.Duration
	)
	for _, d := range []durationSetting{
		{envVarShutdownTimeout, DefaultShutdown, &shutdownTimeout},
		{envVarAliveTimeout, DefaultAliveTimeout, &aliveTimeout},
		{envVarExpireTimeout, DefaultExpireTimeout, &expireTimeout},
		{envVarZombieSweepInterval, DefaultSweepInterval, &zombieSweepInterval},
		{envVarExpireSweepInterval, DefaultSweepInterval, &expireSweepInterval},
		{envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout, &signalingWSIdleTimeout},
		{envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval, &signalingWSPingInterval},
	} {
		v, err := envDurationOrDefault(lookup, d.env, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	concurrentLimit, err := envIntOrDefault(lookup, envVarConcurrentLimit, DefaultConcurrentLimit)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytesInt, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := int64(maxSignalingMessageBytesInt)

	allowDiscovery, err := envBoolOrDefault(lookup, envVarAllowDiscovery, false)
	if err != nil {
		return Config{}, err
	}
	queueUndelivered, err := envBoolOrDefault(lookup, envVarQueueUndeliveredMessages, false)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-peerjs-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&path, "path", path, "Path prefix the PeerJS endpoints are mounted under (env "+envVarPath+")")
	fs.StringVar(&keysStr, "keys", keysStr, "Comma-separated realm keys allowed to connect; empty allows any (env "+envVarKeys+")")
	fs.DurationVar(&aliveTimeout, "alive-timeout", aliveTimeout, "Evict clients with no heartbeat for this long (env "+envVarAliveTimeout+")")
	fs.DurationVar(&expireTimeout, "expire-timeout", expireTimeout, "Expire queued messages older than this (env "+envVarExpireTimeout+")")
	fs.DurationVar(&zombieSweepInterval, "zombie-sweep-interval", zombieSweepInterval, "Interval between zombie connection sweeps (env "+envVarZombieSweepInterval+")")
	fs.DurationVar(&expireSweepInterval, "expire-sweep-interval", expireSweepInterval, "Interval between expired message sweeps (env "+envVarExpireSweepInterval+")")
	fs.IntVar(&concurrentLimit, "concurrent-limit", concurrentLimit, "Maximum clients per realm (0 = unlimited; env "+envVarConcurrentLimit+")")
	fs.BoolVar(&allowDiscovery, "allow-discovery", allowDiscovery, "Serve the peers listing endpoint (env "+envVarAllowDiscovery+")")
	fs.BoolVar(&queueUndelivered, "queue-undelivered-messages", queueUndelivered, "Queue messages for unknown destinations until they expire (env "+envVarQueueUndeliveredMessages+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if aliveTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--alive-timeout must be > 0", envVarAliveTimeout)
	}
	if expireTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--expire-timeout must be > 0", envVarExpireTimeout)
	}
	if zombieSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--zombie-sweep-interval must be > 0", envVarZombieSweepInterval)
	}
	if expireSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--expire-sweep-interval must be > 0", envVarExpireSweepInterval)
	}
	if concurrentLimit < 0 {
		return Config{}, fmt.Errorf("%s/--concurrent-limit must be >= 0", envVarConcurrentLimit)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	path, err = normalizePath(path)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--path: %w", envVarPath, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		Path:                     path,
		Keys:                     splitCommaSeparated(keysStr),
		AliveTimeout:             aliveTimeout,
		ExpireTimeout:            expireTimeout,
		ZombieSweepInterval:      zombieSweepInterval,
		ExpireSweepInterval:      expireSweepInterval,
		ConcurrentLimit:          concurrentLimit,
		AllowDiscovery:           allowDiscovery,
		QueueUndeliveredMessages: queueUndelivered,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
	}

	iceServers, err := ice.parse()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// normalizePath returns raw with a leading and trailing slash.
func normalizePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q must start with /", raw)
	}
	if strings.ContainsAny(p, "?#") {
		return "", fmt.Errorf("%q must not contain a query or fragment", raw)
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
