package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/protectogram/internal/e164"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Chat provider (Telegram bot) configuration
	ChatBotToken      string // Bot API token
	ChatWebhookSecret string // Shared secret echoed back in the webhook header
	AllowedChatIDs    []int64

	// Voice provider (call control API) configuration
	VoiceAPIKey        string
	VoiceConnectionID  string
	VoiceFromNumber    string // E.164 caller id presented on outbound calls
	VoiceWebhookSecret string

	// Cascade defaults, overridable per guardian link
	RingTimeoutSec      int // seconds a single call attempt rings
	MaxRetries          int // total voice attempts per guardian
	RetryBackoffSec     int // delay between attempts, measured from attempt end
	ReminderIntervalSec int // chat reminder period while the incident stays open
	MaxTotalRingSec     int // cumulative ring cap per guardian

	// Feature gates
	FeaturePanic       bool
	SchedulerEnabled   bool
	AllowOnlyWhitelist bool
	AllowedE164Numbers []string

	// Other configurations
	Mode        string // development | test | staging | production
	Addr        string
	Port        int
	Data        string
	Driver      string // postgres | sqlite
	DSN         string
	InstanceURL string // public base URL, used to register provider webhooks
	AdminKey    string
	Version     string
}

func (p *Profile) IsDev() bool {
	return p.Mode == "development" || p.Mode == "test"
}

func (p *Profile) IsProd() bool {
	return p.Mode == "production"
}

// WebhookURL returns the absolute URL of a core-owned route.
func (p *Profile) WebhookURL(path string) string {
	return strings.TrimRight(p.InstanceURL, "/") + path
}

// VoiceConfigured reports whether outbound calling has everything it needs.
func (p *Profile) VoiceConfigured() bool {
	return p.VoiceAPIKey != "" && p.VoiceConnectionID != "" && p.VoiceFromNumber != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		p.DSN = dsn
	}
	if env := os.Getenv("APP_ENV"); env != "" {
		p.Mode = env
	}

	p.ChatBotToken = getEnvOrDefault("CHAT_BOT_TOKEN", p.ChatBotToken)
	p.ChatWebhookSecret = getEnvOrDefault("CHAT_WEBHOOK_SECRET", p.ChatWebhookSecret)
	p.VoiceAPIKey = getEnvOrDefault("VOICE_API_KEY", p.VoiceAPIKey)
	p.VoiceConnectionID = getEnvOrDefault("VOICE_CONNECTION_ID", p.VoiceConnectionID)
	p.VoiceFromNumber = getEnvOrDefault("VOICE_FROM_NUMBER", p.VoiceFromNumber)
	p.VoiceWebhookSecret = getEnvOrDefault("VOICE_WEBHOOK_SECRET", p.VoiceWebhookSecret)
	p.AdminKey = getEnvOrDefault("ADMIN_KEY", p.AdminKey)

	p.FeaturePanic = getEnvOrDefaultBool("FEATURE_PANIC", true)
	p.SchedulerEnabled = getEnvOrDefaultBool("SCHEDULER_ENABLED", true)
	p.AllowOnlyWhitelist = getEnvOrDefaultBool("FEATURE_ALLOW_ONLY_WHITELIST", false)
	p.AllowedE164Numbers = splitCSV(os.Getenv("ALLOWED_E164_NUMBERS"))

	for _, raw := range splitCSV(os.Getenv("ALLOWED_CHAT_IDS")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Warn("ignoring malformed chat id in ALLOWED_CHAT_IDS", "value", raw)
			continue
		}
		p.AllowedChatIDs = append(p.AllowedChatIDs, id)
	}

	p.RingTimeoutSec = getEnvOrDefaultInt("DEFAULT_RING_TIMEOUT_SEC", 25)
	p.MaxRetries = getEnvOrDefaultInt("DEFAULT_MAX_RETRIES", 2)
	p.RetryBackoffSec = getEnvOrDefaultInt("DEFAULT_RETRY_BACKOFF_SEC", 60)
	p.ReminderIntervalSec = getEnvOrDefaultInt("DEFAULT_REMINDER_INTERVAL_SEC", 120)
	p.MaxTotalRingSec = getEnvOrDefaultInt("INCIDENT_MAX_TOTAL_RING_SEC", 180)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// modeAliases maps the short --mode flag values onto APP_ENV names.
var modeAliases = map[string]string{
	"dev":   "development",
	"prod":  "production",
	"stage": "staging",
}

func (p *Profile) Validate() error {
	if alias, ok := modeAliases[p.Mode]; ok {
		p.Mode = alias
	}
	switch p.Mode {
	case "development", "test", "staging", "production":
	default:
		p.Mode = "development"
	}

	if p.Driver != "postgres" && p.Driver != "sqlite" {
		return errors.Errorf("unsupported database driver %q (postgres, sqlite)", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("DATABASE_URL (or --dsn) is required for the postgres driver")
	}

	if p.Driver == "sqlite" && p.DSN == "" {
		if p.Data == "" {
			p.Data = "."
		}
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("protectogram_%s.db", p.Mode))
	}

	if p.FeaturePanic && p.ChatBotToken == "" && !p.IsDev() {
		return errors.New("CHAT_BOT_TOKEN is required when FEATURE_PANIC is enabled")
	}
	if p.FeaturePanic && p.ChatWebhookSecret == "" && !p.IsDev() {
		return errors.New("CHAT_WEBHOOK_SECRET is required when FEATURE_PANIC is enabled")
	}
	if p.IsProd() && p.AdminKey == "" {
		return errors.New("ADMIN_KEY is required in production")
	}
	if p.FeaturePanic && !p.IsDev() && p.InstanceURL == "" {
		return errors.New("instance URL is required to register provider webhooks")
	}
	if p.VoiceFromNumber != "" && !e164.Valid(e164.Normalize(p.VoiceFromNumber)) {
		return errors.Errorf("VOICE_FROM_NUMBER %q is not an E.164 number", p.VoiceFromNumber)
	}
	if p.FeaturePanic && !p.VoiceConfigured() {
		// Chat-only cascades still work; voice alerts are skipped.
		slog.Warn("voice provider not configured, call attempts will be disabled")
	}

	if p.RingTimeoutSec <= 0 || p.MaxRetries < 0 || p.RetryBackoffSec < 0 ||
		p.ReminderIntervalSec <= 0 || p.MaxTotalRingSec <= 0 {
		return errors.New("cascade timing values must be positive")
	}

	return nil
}
