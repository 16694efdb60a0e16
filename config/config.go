package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Dhan credentials. Either AccessToken or PIN + TOTPSecret.
	ClientID    string
	AccessToken string
	PIN         string
	TOTPSecret  string
	BaseURL     string
	AuthURL     string
	Debug       bool

	// Exit policy
	PollInterval     time.Duration
	ExitMode         exitrule.Mode
	ProfitTarget     decimal.Decimal
	TrailingDistance decimal.Decimal
	AllowedSegments  []model.Segment

	// I/O timeouts
	PositionsTimeout time.Duration
	QuoteTimeout     time.Duration
	OrderTimeout     time.Duration
	// PendingTTL bounds how long a submitted exit blocks re-evaluation.
	PendingTTL time.Duration

	// Behaviour
	MarketHoursOnly bool
	ExtraHolidays   []string // YYYY-MM-DD, added to the built-in NSE list
	AutoStart       bool
	DryRun          bool

	// Infrastructure
	HTTPAddr      string
	MetricsAddr   string
	RedisAddr     string // lease and event pub/sub disabled when empty
	RedisPassword string
	LeaseTTL      time.Duration
	JournalPath   string // audit journal disabled when empty

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	LogLevel string
}

// Load reads configuration from environment variables, after merging an
// optional .env file from the working directory. Variables already set in the
// environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		ClientID:    l.mustEnv("DHAN_CLIENT_ID"),
		AccessToken: getEnv("DHAN_ACCESS_TOKEN", ""),
		PIN:         getEnv("DHAN_PIN", ""),
		TOTPSecret:  getEnv("DHAN_TOTP_SECRET", ""),
		BaseURL:     getEnv("DHAN_BASE_URL", "https://api.dhan.co"),
		AuthURL:     getEnv("DHAN_AUTH_URL", "https://auth.dhan.co"),
		Debug:       l.boolean("DHAN_DEBUG", false),

		PollInterval:     l.millis("POLL_INTERVAL_MS", 1000),
		ProfitTarget:     l.decimal("PROFIT_TARGET", "1.0"),
		TrailingDistance: l.decimal("TRAILING_DISTANCE", "1.0"),
		AllowedSegments:  parseSegments(getEnv("ALLOWED_SEGMENTS", "NSE_FNO,BSE_FNO")),

		PositionsTimeout: l.millis("POSITIONS_TIMEOUT_MS", 3000),
		QuoteTimeout:     l.millis("QUOTE_TIMEOUT_MS", 3000),
		OrderTimeout:     l.millis("ORDER_TIMEOUT_MS", 5000),
		PendingTTL:       l.millis("EXIT_PENDING_TTL_MS", 60000),

		MarketHoursOnly: l.boolean("MARKET_HOURS_ONLY", true),
		ExtraHolidays:   splitList(getEnv("MARKET_HOLIDAYS", "")),
		AutoStart:       l.boolean("AUTO_START", false),
		DryRun:          l.boolean("DRY_RUN", false),

		HTTPAddr:      httpAddr(),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LeaseTTL:      l.millis("LEASE_TTL_MS", 15000),
		JournalPath:   getEnv("JOURNAL_PATH", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	mode, err := exitrule.ParseMode(strings.ToLower(getEnv("EXIT_MODE", string(exitrule.ModeTrailing))))
	if err != nil {
		l.fail(err)
	}
	cfg.ExitMode = mode

	if err := errors.Join(append(l.errs, cfg.validate()...)...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.AccessToken == "" && (c.PIN == "" || c.TOTPSecret == "") {
		errs = append(errs, errors.New("DHAN_ACCESS_TOKEN not set: DHAN_PIN and DHAN_TOTP_SECRET are both required"))
	}
	if c.ExitMode != "" {
		if err := c.Policy().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.AllowedSegments) == 0 {
		errs = append(errs, errors.New("ALLOWED_SEGMENTS is empty"))
	}
	for key, d := range map[string]time.Duration{
		"POLL_INTERVAL_MS":     c.PollInterval,
		"POSITIONS_TIMEOUT_MS": c.PositionsTimeout,
		"QUOTE_TIMEOUT_MS":     c.QuoteTimeout,
		"ORDER_TIMEOUT_MS":     c.OrderTimeout,
		"EXIT_PENDING_TTL_MS":  c.PendingTTL,
		"LEASE_TTL_MS":         c.LeaseTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == "" {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN"))
	}
	for _, day := range c.ExtraHolidays {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			errs = append(errs, fmt.Errorf("MARKET_HOLIDAYS: %q is not YYYY-MM-DD", day))
		}
	}
	return errs
}

// Policy returns the exit policy, with the distance matching ExitMode.
func (c *Config) Policy() exitrule.Policy {
	p := exitrule.Policy{Mode: c.ExitMode, Distance: c.TrailingDistance}
	if c.ExitMode == exitrule.ModeFixed {
		p.Distance = c.ProfitTarget
	}
	return p
}

// httpAddr honours HTTP_ADDR, then a platform-assigned PORT, then :10000.
func httpAddr() string {
	if v := getEnv("HTTP_ADDR", ""); v != "" {
		return v
	}
	if p := getEnv("PORT", ""); p != "" {
		return ":" + p
	}
	return ":10000"
}

func parseSegments(s string) []model.Segment {
	var out []model.Segment
	for _, p := range splitList(s) {
		out = append(out, model.Segment(strings.ToUpper(p)))
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loader collects parse errors so Load can report all of them at once.
type loader struct {
	errs []error
}

func (l *loader) fail(err error) { l.errs = append(l.errs, err) }

func (l *loader) mustEnv(key string) string {
	v := getEnv(key, "")
	if v == "" {
		l.fail(fmt.Errorf("required env var %s not set", key))
	}
	return v
}

func (l *loader) millis(key string, fallback int) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return time.Duration(fallback) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(fmt.Errorf("%s: %q is not an integer", key, v))
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func (l *loader) boolean(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(fmt.Errorf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (l *loader) decimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		l.fail(fmt.Errorf("%s: %q is not a number", key, v))
		return decimal.Zero
	}
	return d
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
