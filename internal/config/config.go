package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	envVarListenAddr      = "SKILLSWAP_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "SKILLSWAP_LOG_FORMAT"
	envVarLogLevel        = "SKILLSWAP_LOG_LEVEL"
	envVarLogFile         = "SKILLSWAP_LOG_FILE"
	envVarShutdownTimeout = "SKILLSWAP_SHUTDOWN_TIMEOUT"
	envVarMode            = "SKILLSWAP_MODE"
	envVarDBPath          = "SKILLSWAP_DB_PATH"

	// Identity.
	envVarAuthMode  = "AUTH_MODE"
	envVarJWTSecret = "JWT_SECRET"
	envVarTokenTTL  = "SKILLSWAP_TOKEN_TTL"

	// Mailbox backend + WebSocket hardening.
	envVarMailboxBackend              = "SKILLSWAP_MAILBOX_BACKEND"
	envVarRedisAddr                   = "REDIS_ADDR"
	envVarRedisPassword               = "REDIS_PASSWORD"
	envVarRedisDB                     = "REDIS_DB"
	envVarRedisKeyPrefix              = "REDIS_KEY_PREFIX"
	envVarMailboxAuthTimeout          = "MAILBOX_AUTH_TIMEOUT"
	envVarMailboxWSIdleTimeout        = "MAILBOX_WS_IDLE_TIMEOUT"
	envVarMailboxWSPingInterval       = "MAILBOX_WS_PING_INTERVAL"
	envVarMaxMailboxMessageBytes      = "MAX_MAILBOX_MESSAGE_BYTES"
	envVarMaxMailboxMessagesPerSecond = "MAX_MAILBOX_MESSAGES_PER_SECOND"

	// Session timing.
	envVarSessionPollInterval = "SKILLSWAP_SESSION_POLL_INTERVAL"
	envVarPresenceHeartbeat   = "SKILLSWAP_PRESENCE_HEARTBEAT"
	envVarTypingDecay         = "SKILLSWAP_TYPING_DECAY"
	envVarGeofenceRadiusKm    = "SKILLSWAP_GEOFENCE_RADIUS_KM"
	envVarSessionCredits      = "SKILLSWAP_SESSION_CREDITS"

	// Call setup.
	envVarICEGatheringTimeout = "SKILLSWAP_ICE_GATHERING_TIMEOUT"
	envVarPeerSetupTimeout    = "SKILLSWAP_PEER_SETUP_TIMEOUT"
	envVarWebRTCUDPPortMin    = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax    = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP   = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs    = "WEBRTC_NAT_1TO1_IPS"

	DefaultListenAddr            = "127.0.0.1:8080"
	DefaultShutdown              = 15 * time.Second
	DefaultMode             Mode = ModeDev
	DefaultDBPath                = "skillswap.db"
	DefaultAuthMode              = AuthModeNone
	DefaultTokenTTL              = 24 * time.Hour
	DefaultMailboxBackend        = MailboxBackendMemory
	DefaultRedisAddr             = "127.0.0.1:6379"
	DefaultWebRTCUDPListenIP     = "0.0.0.0"

	DefaultMailboxAuthTimeout          = 2 * time.Second
	DefaultMailboxWSIdleTimeout        = 60 * time.Second
	DefaultMailboxWSPingInterval       = 20 * time.Second
	DefaultMaxMailboxMessageBytes      = int64(256 * 1024)
	DefaultMaxMailboxMessagesPerSecond = 50

	DefaultSessionPollInterval = 2 * time.Second
	DefaultPresenceHeartbeat   = 30 * time.Second
	DefaultTypingDecay         = 1500 * time.Millisecond
	DefaultGeofenceRadiusKm    = 0.05
	DefaultSessionCredits      = 1

	DefaultICEGatherTimeout = 2 * time.Second
	DefaultPeerSetupTimeout = 5 * time.Second
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; a call uses
// at least one port per gathered host candidate.
const recommendedWebRTCUDPPortRangeSize = 100

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

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type MailboxBackend string

const (
	MailboxBackendMemory MailboxBackend = "memory"
	MailboxBackendRedis  MailboxBackend = "redis"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	LogFile         string
	ShutdownTimeout time.Duration
	Mode            Mode
	DBPath          string

	AuthMode  AuthMode
	JWTSecret string
	TokenTTL  time.Duration

	MailboxBackend              MailboxBackend
	RedisAddr                   string
	RedisPassword               string
	RedisDB                     int
	RedisKeyPrefix              string
	MailboxAuthTimeout          time.Duration
	MailboxWSIdleTimeout        time.Duration
	MailboxWSPingInterval       time.Duration
	MaxMailboxMessageBytes      int64
	MaxMailboxMessagesPerSecond int

	SessionPollInterval time.Duration
	PresenceHeartbeat   time.Duration
	TypingDecay         time.Duration
	GeofenceRadiusKm    float64
	SessionCredits      int

	ICEGatheringTimeout time.Duration
	// PeerSetupTimeout bounds how long a call waits for the peer connection to
	// be constructed before reporting the call as unavailable.
	PeerSetupTimeout time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange
	// WebRTCUDPListenIP restricts which local interface ICE binds to. 0.0.0.0
	// means all interfaces.
	WebRTCUDPListenIP net.IP
	// WebRTCNAT1To1IPs are advertised as host candidates when the peer runs
	// behind a 1:1 NAT.
	WebRTCNAT1To1IPs []string

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
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
	logFile := envOrDefault(lookup, envVarLogFile, "")
	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	mailboxBackendStr := envOrDefault(lookup, envVarMailboxBackend, string(DefaultMailboxBackend))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr)
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisKeyPrefix := envOrDefault(lookup, envVarRedisKeyPrefix, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	maxMailboxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMailboxMessagesPerSecond, DefaultMaxMailboxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxMailboxMessageBytes := DefaultMaxMailboxMessageBytes
	if raw, ok := lookup(envVarMaxMailboxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMailboxMessageBytes, raw, err)
		}
		maxMailboxMessageBytes = n
	}

	sessionCredits, err := envIntOrDefault(lookup, envVarSessionCredits, DefaultSessionCredits)
	if err != nil {
		return Config{}, err
	}
	geofenceRadiusKm := DefaultGeofenceRadiusKm
	if raw, ok := lookup(envVarGeofenceRadiusKm); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarGeofenceRadiusKm, raw, err)
		}
		geofenceRadiusKm = f
	}

	durations := []struct {
		env string
		dst *time.Duration
		def time.Duration
	}{
		{envVarShutdownTimeout, new(time.Duration), DefaultShutdown},
		{envVarTokenTTL, new(time.Duration), DefaultTokenTTL},
		{envVarMailboxAuthTimeout, new(time.Duration), DefaultMailboxAuthTimeout},
		{envVarMailboxWSIdleTimeout, new(time.Duration), DefaultMailboxWSIdleTimeout},
		{envVarMailboxWSPingInterval, new(time.Duration), DefaultMailboxWSPingInterval},
		{envVarSessionPollInterval, new(time.Duration), DefaultSessionPollInterval},
		{envVarPresenceHeartbeat, new(time.Duration), DefaultPresenceHeartbeat},
		{envVarTypingDecay, new(time.Duration), DefaultTypingDecay},
		{envVarICEGatheringTimeout, new(time.Duration), DefaultICEGatherTimeout},
		{envVarPeerSetupTimeout, new(time.Duration), DefaultPeerSetupTimeout},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.env, d.def)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	shutdownTimeout := *durations[0].dst
	tokenTTL := *durations[1].dst
	mailboxAuthTimeout := *durations[2].dst
	mailboxWSIdleTimeout := *durations[3].dst
	mailboxWSPingInterval := *durations[4].dst
	sessionPollInterval := *durations[5].dst
	presenceHeartbeat := *durations[6].dst
	typingDecay := *durations[7].dst
	iceGatherTimeout := *durations[8].dst
	peerSetupTimeout := *durations[9].dst

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")

	fs := flag.NewFlagSet("skillswap-session", flag.ContinueOnError)
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
	fs.StringVar(&logFile, "log-file", logFile, "Also write logs to this rotating file (env "+envVarLogFile+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database path (env "+envVarDBPath+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Identity mode: none (X-User-ID header) or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for AUTH_MODE=jwt (env "+envVarJWTSecret+")")
	fs.DurationVar(&tokenTTL, "token-ttl", tokenTTL, "Lifetime of issued tokens (env "+envVarTokenTTL+")")

	fs.StringVar(&mailboxBackendStr, "mailbox-backend", mailboxBackendStr, "Mailbox backend: memory or redis (env "+envVarMailboxBackend+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the redis mailbox backend (env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&redisKeyPrefix, "redis-key-prefix", redisKeyPrefix, "Redis key prefix (env "+envVarRedisKeyPrefix+")")
	fs.DurationVar(&mailboxAuthTimeout, "mailbox-auth-timeout", mailboxAuthTimeout, "Max time to wait for a mailbox auth message (env "+envVarMailboxAuthTimeout+")")
	fs.DurationVar(&mailboxWSIdleTimeout, "mailbox-ws-idle-timeout", mailboxWSIdleTimeout, "Close mailbox connections idle for this long (env "+envVarMailboxWSIdleTimeout+")")
	fs.DurationVar(&mailboxWSPingInterval, "mailbox-ws-ping-interval", mailboxWSPingInterval, "Mailbox WebSocket ping interval (env "+envVarMailboxWSPingInterval+")")
	fs.Int64Var(&maxMailboxMessageBytes, "max-mailbox-message-bytes", maxMailboxMessageBytes, "Max inbound mailbox message size (env "+envVarMaxMailboxMessageBytes+")")
	fs.IntVar(&maxMailboxMessagesPerSecond, "max-mailbox-messages-per-second", maxMailboxMessagesPerSecond, "Max inbound mailbox messages per second per connection (env "+envVarMaxMailboxMessagesPerSecond+")")

	fs.DurationVar(&sessionPollInterval, "session-poll-interval", sessionPollInterval, "Session record poll interval (env "+envVarSessionPollInterval+")")
	fs.DurationVar(&presenceHeartbeat, "presence-heartbeat", presenceHeartbeat, "Presence heartbeat interval (env "+envVarPresenceHeartbeat+")")
	fs.DurationVar(&typingDecay, "typing-decay", typingDecay, "Typing indicator decay (env "+envVarTypingDecay+")")
	fs.Float64Var(&geofenceRadiusKm, "geofence-radius-km", geofenceRadiusKm, "Check-in radius around the venue in km (env "+envVarGeofenceRadiusKm+")")
	fs.IntVar(&sessionCredits, "session-credits", sessionCredits, "Credits transferred per completed session (env "+envVarSessionCredits+")")

	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before publishing a description (env "+envVarICEGatheringTimeout+")")
	fs.DurationVar(&peerSetupTimeout, "peer-setup-timeout", peerSetupTimeout, "Give up constructing the peer connection after this long (env "+envVarPeerSetupTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")

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
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	mailboxBackend, err := parseMailboxBackend(mailboxBackendStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if strings.TrimSpace(dbPath) == "" {
		return Config{}, fmt.Errorf("%s/--db-path must not be empty", envVarDBPath)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if authMode == AuthModeNone && mode == ModeProd {
		return Config{}, fmt.Errorf("%s=%s is not allowed in prod mode", envVarAuthMode, AuthModeNone)
	}
	if tokenTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--token-ttl must be > 0", envVarTokenTTL)
	}
	if mailboxBackend == MailboxBackendRedis && strings.TrimSpace(redisAddr) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarRedisAddr, envVarMailboxBackend, MailboxBackendRedis)
	}
	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if mailboxAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-auth-timeout must be > 0", envVarMailboxAuthTimeout)
	}
	if mailboxWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-ws-idle-timeout must be > 0", envVarMailboxWSIdleTimeout)
	}
	if mailboxWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-ws-ping-interval must be > 0", envVarMailboxWSPingInterval)
	}
	if mailboxWSPingInterval >= mailboxWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--mailbox-ws-ping-interval must be < %s/--mailbox-ws-idle-timeout", envVarMailboxWSPingInterval, envVarMailboxWSIdleTimeout)
	}
	if maxMailboxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-mailbox-message-bytes must be > 0", envVarMaxMailboxMessageBytes)
	}
	if maxMailboxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-mailbox-messages-per-second must be > 0", envVarMaxMailboxMessagesPerSecond)
	}
	if sessionPollInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--session-poll-interval must be > 0", envVarSessionPollInterval)
	}
	if presenceHeartbeat <= 0 {
		return Config{}, fmt.Errorf("%s/--presence-heartbeat must be > 0", envVarPresenceHeartbeat)
	}
	if typingDecay <= 0 {
		return Config{}, fmt.Errorf("%s/--typing-decay must be > 0", envVarTypingDecay)
	}
	if geofenceRadiusKm <= 0 {
		return Config{}, fmt.Errorf("%s/--geofence-radius-km must be > 0", envVarGeofenceRadiusKm)
	}
	if sessionCredits <= 0 {
		return Config{}, fmt.Errorf("%s/--session-credits must be > 0", envVarSessionCredits)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if peerSetupTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--peer-setup-timeout must be > 0", envVarPeerSetupTimeout)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)",
				envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		webrtcNAT1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips: %w", envVarWebRTCNAT1To1IPs, err)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		LogFile:         strings.TrimSpace(logFile),
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		DBPath:          dbPath,

		AuthMode:  authMode,
		JWTSecret: jwtSecret,
		TokenTTL:  tokenTTL,

		MailboxBackend:              mailboxBackend,
		RedisAddr:                   redisAddr,
		RedisPassword:               redisPassword,
		RedisDB:                     redisDB,
		RedisKeyPrefix:              redisKeyPrefix,
		MailboxAuthTimeout:          mailboxAuthTimeout,
		MailboxWSIdleTimeout:        mailboxWSIdleTimeout,
		MailboxWSPingInterval:       mailboxWSPingInterval,
		MaxMailboxMessageBytes:      maxMailboxMessageBytes,
		MaxMailboxMessagesPerSecond: maxMailboxMessagesPerSecond,

		SessionPollInterval: sessionPollInterval,
		PresenceHeartbeat:   presenceHeartbeat,
		TypingDecay:         typingDecay,
		GeofenceRadiusKm:    geofenceRadiusKm,
		SessionCredits:      sessionCredits,

		ICEGatheringTimeout: iceGatherTimeout,
		PeerSetupTimeout:    peerSetupTimeout,
		WebRTCUDPPortRange:  webrtcUDPPortRange,
		WebRTCUDPListenIP:   webrtcUDPListenIP,
		WebRTCNAT1To1IPs:    webrtcNAT1To1IPs,
	}

	// ICE misconfiguration is reported via /webrtc/ice and a startup warning
	// rather than refusing to start; calls fall back to host candidates.
	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// NewLogger builds the process logger. When LogFile is set, output is also
// written to a size-rotated file.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected none or jwt)", envVarAuthMode, raw)
	}
}

func parseMailboxBackend(raw string) (MailboxBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MailboxBackendMemory):
		return MailboxBackendMemory, nil
	case string(MailboxBackendRedis):
		return MailboxBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected memory or redis)", envVarMailboxBackend, raw)
	}
}

// IsUnspecifiedIP reports whether ip is nil or 0.0.0.0/::.
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, part := range splitCommaSeparated(raw) {
		if part == "*" {
			out = append(out, part)
			continue
		}
		if !strings.HasPrefix(part, "http://") && !strings.HasPrefix(part, "https://") {
			return nil, fmt.Errorf("origin %q must start with http:// or https://", part)
		}
		out = append(out, strings.TrimSuffix(strings.ToLower(part), "/"))
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
