package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type RateLimit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	SharePort            int
	ReceivePort          int
	PortProbeLimit       int
	RequireConfirmation  bool
	GateUploads          bool
	SessionTTL           time.Duration
	PendingTimeout       time.Duration
	SweepInterval        time.Duration
	MaxActiveConnections int
	RateLimit            RateLimit
	MaxUploadBytes       int64
	MaxFileBytes         int64
	ChunkSize            int64
	UploadWorkers        int
	SharedSecret         string
	TempDir              string
	SaveDir              string
}

const (
	DefaultSharePort            = 8384
	DefaultReceivePort          = 8385
	DefaultPortProbeLimit       = 10
	DefaultSessionTTL           = time.Hour
	DefaultPendingTimeout       = 60 * time.Second
	DefaultSweepInterval        = 5 * time.Minute
	DefaultMaxActiveConnections = 500
	DefaultRateLimitMax         = 60
	DefaultRateLimitWindow      = time.Minute
	DefaultMaxUploadBytes       = 10 << 30
	DefaultMaxFileBytes         = 5 << 30
	DefaultChunkSize            = 1 << 20
	DefaultUploadWorkers        = 2
)

func Load() Config {
	cfg := Config{
		SharePort:            DefaultSharePort,
		ReceivePort:          DefaultReceivePort,
		PortProbeLimit:       DefaultPortProbeLimit,
		RequireConfirmation:  true,
		GateUploads:          false,
		SessionTTL:           DefaultSessionTTL,
		PendingTimeout:       DefaultPendingTimeout,
		SweepInterval:        DefaultSweepInterval,
		MaxActiveConnections: DefaultMaxActiveConnections,
		RateLimit: RateLimit{
			Max:    DefaultRateLimitMax,
			Window: DefaultRateLimitWindow,
		},
		MaxUploadBytes: DefaultMaxUploadBytes,
		MaxFileBytes:   DefaultMaxFileBytes,
		ChunkSize:      DefaultChunkSize,
		UploadWorkers:  DefaultUploadWorkers,
		TempDir:        os.TempDir(),
		SaveDir:        "received",
	}

	if value := parseIntEnv("SYNDRO_SHARE_PORT"); value > 0 {
		cfg.SharePort = int(value)
	}
	if value := parseIntEnv("SYNDRO_RECEIVE_PORT"); value > 0 {
		cfg.ReceivePort = int(value)
	}
	if value := parseIntEnv("SYNDRO_PORT_PROBE_LIMIT"); value > 0 {
		cfg.PortProbeLimit = int(value)
	}
	if value, ok := parseBoolEnv("SYNDRO_REQUIRE_CONFIRMATION"); ok {
		cfg.RequireConfirmation = value
	}
	if value, ok := parseBoolEnv("SYNDRO_GATE_UPLOADS"); ok {
		cfg.GateUploads = value
	}
	if value := parseDurationEnv("SYNDRO_SESSION_TTL"); value > 0 {
		cfg.SessionTTL = value
	}
	if value := parseDurationEnv("SYNDRO_PENDING_TIMEOUT"); value > 0 {
		cfg.PendingTimeout = value
	}
	if value := parseDurationEnv("SYNDRO_SWEEP_INTERVAL"); value > 0 {
		cfg.SweepInterval = value
	}
	if value := parseIntEnv("SYNDRO_MAX_ACTIVE_CONNECTIONS"); value > 0 {
		cfg.MaxActiveConnections = int(value)
	}
	if value := parseIntEnv("SYNDRO_RATE_LIMIT_MAX"); value > 0 {
		cfg.RateLimit.Max = int(value)
	}
	if value := parseDurationEnv("SYNDRO_RATE_LIMIT_WINDOW"); value > 0 {
		cfg.RateLimit.Window = value
	}
	if value := parseIntEnv("SYNDRO_MAX_UPLOAD_BYTES"); value > 0 {
		cfg.MaxUploadBytes = value
	}
	if value := parseIntEnv("SYNDRO_MAX_FILE_BYTES"); value > 0 {
		cfg.MaxFileBytes = value
	}
	if value := parseIntEnv("SYNDRO_CHUNK_SIZE"); value > 0 {
		cfg.ChunkSize = value
	}
	if value := parseIntEnv("SYNDRO_UPLOAD_WORKERS"); value > 0 {
		cfg.UploadWorkers = int(value)
	}
	if value := os.Getenv("SYNDRO_SHARED_SECRET"); value != "" {
		cfg.SharedSecret = value
	}
	if value := os.Getenv("SYNDRO_TEMP_DIR"); value != "" {
		cfg.TempDir = value
	}
	if value := os.Getenv("SYNDRO_SAVE_DIR"); value != "" {
		cfg.SaveDir = value
	}

	return cfg
}

func parseDurationEnv(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return value
}

func parseIntEnv(key string) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func parseBoolEnv(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return value, true
}
