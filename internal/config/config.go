package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"buseta/internal/eta"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	ArrivalRadius     float64       `validate:"gt=0"`
	DefaultSpeed      float64       `validate:"gt=0"`
	MaxAccuracy       time.Duration `validate:"gte=0"`
	AccuracyFactor    float64       `validate:"gte=0"`
	ApproachingWindow time.Duration `validate:"gt=0"`
	ETACacheTTL       time.Duration `validate:"gt=0"`

	ThrottleInterval     time.Duration `validate:"gt=0"`
	ThrottleSpeedDelta   float64       `validate:"gte=0"`
	ThrottleHeadingDelta float64       `validate:"gte=0,lte=180"`
	ThrottleTTL          time.Duration `validate:"gt=0"`

	StatusSweepInterval time.Duration `validate:"gt=0"`
	NotifySweepInterval time.Duration `validate:"gt=0"`
	ArrivalScanInterval time.Duration `validate:"gt=0"`
	RecalcSweepInterval time.Duration `validate:"gt=0"`
	SpeedWindow         int           `validate:"gt=0"`

	TuningFile string
	SeedFile   string

	GTFSSource         string
	GTFSDirection      string
	GTFSCacheDir       string
	GTFSUpdateInterval time.Duration `validate:"gt=0"`

	DatabaseURL string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL     string
	MetricsAddr string

	FCMServerKey    string
	SMSGatewayURL   string
	SMSGatewayToken string
	SMSTimeout      time.Duration
	SMTPAddr        string
	SMTPUser        string
	SMTPPassword    string
	SMTPFrom        string

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string
}

func Load() (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		ArrivalRadius:     getFloatEnv("ARRIVAL_RADIUS_M", 50),
		DefaultSpeed:      getFloatEnv("DEFAULT_SPEED_MPS", 5),
		MaxAccuracy:       getDurationEnv("MAX_ACCURACY", 300*time.Second),
		AccuracyFactor:    getFloatEnv("ACCURACY_FACTOR", 0.1),
		ApproachingWindow: getDurationEnv("APPROACHING_WINDOW", 5*time.Minute),
		ETACacheTTL:       getDurationEnv("ETA_CACHE_TTL", time.Hour),

		ThrottleInterval:     getDurationEnv("THROTTLE_INTERVAL", 60*time.Second),
		ThrottleSpeedDelta:   getFloatEnv("THROTTLE_SPEED_DELTA_MPS", 5),
		ThrottleHeadingDelta: getFloatEnv("THROTTLE_HEADING_DELTA_DEG", 30),
		ThrottleTTL:          getDurationEnv("THROTTLE_TTL", time.Hour),

		StatusSweepInterval: getDurationEnv("STATUS_SWEEP_INTERVAL", 30*time.Second),
		NotifySweepInterval: getDurationEnv("NOTIFY_SWEEP_INTERVAL", 20*time.Second),
		ArrivalScanInterval: getDurationEnv("ARRIVAL_SCAN_INTERVAL", 20*time.Second),
		RecalcSweepInterval: getDurationEnv("RECALC_SWEEP_INTERVAL", 60*time.Second),
		SpeedWindow:         getIntEnv("SPEED_WINDOW", 30),

		TuningFile: getEnv("TUNING_FILE", ""),
		SeedFile:   getEnv("SEED_FILE", ""),

		GTFSSource:         getEnv("GTFS_SOURCE", ""),
		GTFSDirection:      getEnv("GTFS_DIRECTION", "0"),
		GTFSCacheDir:       getEnv("GTFS_CACHE_DIR", filepath.Join(os.TempDir(), "buseta-gtfs-cache")),
		GTFSUpdateInterval: getDurationEnv("GTFS_UPDATE_INTERVAL", 24*time.Hour),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		NATSURL:     getEnv("NATS_URL", ""),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		FCMServerKey:    getEnv("FCM_SERVER_KEY", ""),
		SMSGatewayURL:   getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayToken: getEnv("SMS_GATEWAY_TOKEN", ""),
		SMSTimeout:      getDurationEnv("SMS_TIMEOUT", 10*time.Second),
		SMTPAddr:        getEnv("SMTP_ADDR", ""),
		SMTPUser:        getEnv("SMTP_USER", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:        getEnv("SMTP_FROM", "buseta@localhost"),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if cfg.TuningFile != "" {
		tuning, err := LoadTuning(cfg.TuningFile)
		if err != nil {
			return nil, err
		}
		tuning.Apply(cfg)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ETA returns the estimator tunables.
func (c *Config) ETA() eta.Config {
	return eta.Config{
		ArrivalRadius:        c.ArrivalRadius,
		DefaultSpeed:         c.DefaultSpeed,
		MaxAccuracy:          c.MaxAccuracy,
		AccuracyFactor:       c.AccuracyFactor,
		ApproachingWindow:    c.ApproachingWindow,
		ETACacheTTL:          c.ETACacheTTL,
		ThrottleInterval:     c.ThrottleInterval,
		ThrottleSpeedDelta:   c.ThrottleSpeedDelta,
		ThrottleHeadingDelta: c.ThrottleHeadingDelta,
		ThrottleTTL:          c.ThrottleTTL,
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
