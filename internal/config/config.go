// Package config loads crashwatch settings from the environment.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mirror store kinds
const (
	MirrorNone   = "none"
	MirrorMongo  = "mongo"
	MirrorSQLite = "sqlite"
)

type Config struct {
	HTTPAddr     string
	LogLevel     string
	LogFile      string
	LogMaxSizeMB int

	AlertCooldown     time.Duration
	AccidentThreshold float64
	DispatchTimeout   time.Duration
	MaxFramePixels    int

	DetectorGRPCEndpoint string
	DetectorHTTPEndpoint string

	MongoURI         string
	MongoDatabase    string
	SQLitePath       string
	MirrorStore      string
	MirrorSQLitePath string
	MemoryRetention  int

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	EmergencyContacts []string
	SMSRatePerSecond  float64

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	AlertEmails  []string

	TelegramBotToken string
	TelegramChatID   string

	Geocoder       string
	GeocoderAPIKey string
	DefaultLat     float64
	DefaultLng     float64

	AuthEnabled  bool
	AuthUsername string
	AuthPassword string
	JWTSecret    string
	JWTExpiry    time.Duration

	// Warnings lists values that were present but malformed and replaced by defaults
	Warnings []string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}

	l := &loader{}
	cfg := &Config{
		HTTPAddr:     l.getEnv("HTTP_ADDR", ":8080"),
		LogLevel:     strings.ToLower(l.getEnv("LOG_LEVEL", "info")),
		LogFile:      l.getEnv("LOG_FILE", ""),
		LogMaxSizeMB: l.getEnvAsInt("LOG_MAX_SIZE_MB", 100),

		AlertCooldown:     time.Duration(l.getEnvAsInt("ALERT_COOLDOWN_SECONDS", 20)) * time.Second,
		AccidentThreshold: l.getEnvAsFloat("ACCIDENT_THRESHOLD", 0.5),
		DispatchTimeout:   l.getEnvAsDuration("DISPATCH_TIMEOUT", 15*time.Second),
		MaxFramePixels:    l.getEnvAsInt("MAX_FRAME_PIXELS", 4096*4096),

		DetectorGRPCEndpoint: l.getEnv("DETECTOR_GRPC_ENDPOINT", ""),
		DetectorHTTPEndpoint: l.getEnv("DETECTOR_HTTP_ENDPOINT", ""),

		MongoURI:         l.getEnv("MONGO_URI", ""),
		MongoDatabase:    l.getEnv("MONGO_DATABASE", "accident_detection"),
		SQLitePath:       l.getEnv("SQLITE_PATH", ""),
		MirrorStore:      strings.ToLower(l.getEnv("MIRROR_STORE", MirrorNone)),
		MirrorSQLitePath: l.getEnv("MIRROR_SQLITE_PATH", "crashwatch-mirror.db"),
		MemoryRetention:  l.getEnvAsInt("MEMORY_RETENTION", 1000),

		TwilioAccountSID:  l.getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   l.getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: l.getEnv("TWILIO_PHONE_NUMBER", ""),
		EmergencyContacts: getEnvAsList("EMERGENCY_CONTACTS"),
		SMSRatePerSecond:  l.getEnvAsFloat("SMS_RATE_PER_SECOND", 1),

		SMTPHost:     l.getEnv("SMTP_HOST", ""),
		SMTPPort:     l.getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     l.getEnv("SMTP_USER", ""),
		SMTPPassword: l.getEnv("SMTP_PASSWORD", ""),
		AlertEmails:  getEnvAsList("ALERT_EMAILS"),

		TelegramBotToken: l.getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   l.getEnv("TELEGRAM_CHAT_ID", ""),

		Geocoder:       strings.ToLower(l.getEnv("GEOCODER", "none")),
		GeocoderAPIKey: l.getEnv("GEOCODER_API_KEY", ""),
		DefaultLat:     l.getEnvAsFloat("DEFAULT_LAT", 28.6139),
		DefaultLng:     l.getEnvAsFloat("DEFAULT_LNG", 77.2090),

		AuthEnabled:  l.getEnvAsBool("AUTH_ENABLED", false),
		AuthUsername: l.getEnv("AUTH_USERNAME", "admin"),
		AuthPassword: l.getEnv("AUTH_PASSWORD", ""),
		JWTSecret:    l.getEnv("JWT_SECRET", ""),
		JWTExpiry:    l.getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
	}

	switch cfg.MirrorStore {
	case MirrorNone, MirrorMongo, MirrorSQLite:
	default:
		l.warn("MIRROR_STORE", cfg.MirrorStore)
		cfg.MirrorStore = MirrorNone
	}
	if cfg.AlertCooldown < 0 {
		l.warn("ALERT_COOLDOWN_SECONDS", os.Getenv("ALERT_COOLDOWN_SECONDS"))
		cfg.AlertCooldown = 20 * time.Second
	}

	cfg.Warnings = l.warnings
	return cfg
}

// TwilioConfigured reports whether SMS alerts can be sent
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioPhoneNumber != "" && len(c.EmergencyContacts) > 0
}

// SMTPConfigured reports whether email alerts can be sent
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPUser != "" && c.SMTPPassword != "" && len(c.AlertEmails) > 0
}

// TelegramConfigured reports whether Telegram alerts can be sent
func (c *Config) TelegramConfigured() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

type loader struct {
	warnings []string
}

func (l *loader) warn(key, value string) {
	l.warnings = append(l.warnings, fmt.Sprintf("invalid %s=%q, using default", key, value))
}

func (l *loader) getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getEnvAsInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		l.warn(key, value)
	}
	return defaultValue
}

func (l *loader) getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
		l.warn(key, value)
	}
	return defaultValue
}

func (l *loader) getEnvAsBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		l.warn(key, value)
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("15s") or a bare number of seconds
func (l *loader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		l.warn(key, value)
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
