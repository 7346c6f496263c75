package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Log        LogConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Webhook    WebhookConfig
	Pacing     PacingConfig
	Limits     LimitsConfig
	Compliance ComplianceConfig
	Warming    WarmingConfig
	Retry      RetryConfig
	Emergency  EmergencyConfig
	Session    SessionConfig
	AMQP       AMQPConfig
	Breaker    BreakerConfig
	Stats      StatsConfig
}

type LogConfig struct {
	Level slog.Level
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
	Migrate     bool
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type PacingConfig struct {
	MinDelay    time.Duration
	HumanPacing bool
	JitterMin   time.Duration
	JitterMax   time.Duration
}

type LimitsConfig struct {
	PerMinute              int
	PerHour                int
	PerRecipientPerDay     int
	NewConversationsPerDay int
}

type ComplianceConfig struct {
	StartHour              int
	EndHour                int
	ActiveDays             []time.Weekday
	Location               *time.Location
	ProhibitedTerms        []string
	MaxLength              int
	MaxURLs                int
	RequirePersonalization bool
	InactivityDays         int
}

type WarmingTier struct {
	UpToDay int
	Limit   int
}

type WarmingConfig struct {
	IdentityCreatedAt time.Time
	PeriodDays        int
	Tiers             []WarmingTier
	SteadyLimit       int
	Hard              bool
}

type RetryConfig struct {
	MaxAttempts int
}

type EmergencyConfig struct {
	FailureRate   float64
	BlockRate     float64
	MinSamples    int
	PauseDuration time.Duration
}

type SessionConfig struct {
	Window time.Duration
}

type AMQPConfig struct {
	Enabled  bool
	URL      string
	Exchange string
}

type BreakerConfig struct {
	Enabled      bool
	Timeout      time.Duration
	MinRequests  int
	FailureRatio float64
}

type StatsConfig struct {
	Interval time.Duration
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// LoadAll reads every setting from the environment and reports all problems
// at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}
	msVar := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Millisecond
	}
	secVar := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := getEnvFloat(key, def)
		collect(err)
		return v
	}

	pgURL, err := requireEnv("POSTGRES_URL")
	collect(err)
	webhookURL, err := requireEnv("WEBHOOK_URL")
	collect(err)

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: pgURL,
			Migrate:     boolVar("DB_MIGRATE", true),
		},
		Webhook: WebhookConfig{
			URL:     webhookURL,
			Timeout: secVar("WEBHOOK_TIMEOUT_SECONDS", 10),
		},
		Pacing: PacingConfig{
			MinDelay:    msVar("MIN_DELAY_MS", 2000),
			HumanPacing: boolVar("HUMAN_PACING", false),
			JitterMin:   msVar("JITTER_MIN_MS", 3000),
			JitterMax:   msVar("JITTER_MAX_MS", 5000),
		},
		Limits: LimitsConfig{
			PerMinute:              intVar("MAX_MESSAGES_PER_MINUTE", 20),
			PerHour:                intVar("MAX_MESSAGES_PER_HOUR", 200),
			PerRecipientPerDay:     intVar("MAX_PER_RECIPIENT_PER_DAY", 10),
			NewConversationsPerDay: intVar("MAX_NEW_CONVERSATIONS_PER_DAY", 50),
		},
		Compliance: ComplianceConfig{
			StartHour:              intVar("BUSINESS_HOURS_START", 8),
			EndHour:                intVar("BUSINESS_HOURS_END", 20),
			MaxLength:              intVar("MAX_MESSAGE_LENGTH", 1000),
			MaxURLs:                intVar("MAX_URLS_PER_MESSAGE", 1),
			RequirePersonalization: boolVar("REQUIRE_PERSONALIZATION", false),
			InactivityDays:         intVar("INACTIVITY_DAYS", 30),
		},
		Warming: WarmingConfig{
			PeriodDays:  intVar("WARMING_PERIOD_DAYS", 14),
			SteadyLimit: intVar("WARMING_STEADY_LIMIT", 50),
			Hard:        boolVar("WARMING_HARD", false),
		},
		Retry: RetryConfig{
			MaxAttempts: intVar("MAX_RETRY_ATTEMPTS", 3),
		},
		Emergency: EmergencyConfig{
			FailureRate:   floatVar("EMERGENCY_FAILURE_RATE", 0.10),
			BlockRate:     floatVar("EMERGENCY_BLOCK_RATE", 0.05),
			MinSamples:    intVar("EMERGENCY_MIN_SAMPLES", 10),
			PauseDuration: secVar("EMERGENCY_PAUSE_SECONDS", 3600),
		},
		Session: SessionConfig{
			Window: time.Duration(intVar("SESSION_WINDOW_HOURS", 24)) * time.Hour,
		},
		Stats: StatsConfig{
			Interval: secVar("STATS_INTERVAL_SECONDS", 300),
		},
	}

	if err := cfg.Log.Level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		collect(fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	days, err := parseWeekdays("ACTIVE_DAYS", getEnv("ACTIVE_DAYS", "mon,tue,wed,thu,fri,sat"))
	collect(err)
	cfg.Compliance.ActiveDays = days

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "Asia/Jakarta"))
	if err != nil {
		collect(fmt.Errorf("invalid TIMEZONE: %w", err))
		loc = time.UTC
	}
	cfg.Compliance.Location = loc

	terms, err := parseTerms("PROHIBITED_TERMS", os.Getenv("PROHIBITED_TERMS"))
	collect(err)
	cfg.Compliance.ProhibitedTerms = terms

	if raw := os.Getenv("IDENTITY_CREATED_AT"); raw != "" {
		t, err := parseDate(raw, loc)
		if err != nil {
			collect(fmt.Errorf("invalid IDENTITY_CREATED_AT: %q", raw))
		}
		cfg.Warming.IdentityCreatedAt = t
	}

	tiers, err := parseTiers("WARMING_TIER_LIMITS", getEnv("WARMING_TIER_LIMITS", "3:5,7:10,14:20"))
	collect(err)
	cfg.Warming.Tiers = tiers

	redisCfg, err := loadRedisConfig()
	collect(err)
	cfg.Redis = redisCfg

	cfg.AMQP = AMQPConfig{
		URL:      os.Getenv("AMQP_URL"),
		Exchange: getEnv("AMQP_EXCHANGE", "umroh.delivery"),
	}
	cfg.AMQP.Enabled = cfg.AMQP.URL != ""

	cfg.Breaker = BreakerConfig{
		Enabled:      boolVar("BREAKER_ENABLED", true),
		Timeout:      secVar("BREAKER_TIMEOUT_SECONDS", 30),
		MinRequests:  intVar("BREAKER_MIN_REQUESTS", 5),
		FailureRatio: floatVar("BREAKER_FAILURE_RATIO", 0.6),
	}

	if len(errs) > 0 {
		return nil, joinErrors(errs)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors(errs)
}

func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(cfg.Pacing.MinDelay > 0, "MIN_DELAY_MS must be > 0")
	check(cfg.Pacing.JitterMin >= 0 && cfg.Pacing.JitterMax >= cfg.Pacing.JitterMin, "JITTER_MAX_MS must be >= JITTER_MIN_MS >= 0")
	check(cfg.Limits.PerMinute >= 0, "MAX_MESSAGES_PER_MINUTE must be >= 0")
	check(cfg.Limits.PerHour >= 0, "MAX_MESSAGES_PER_HOUR must be >= 0")
	check(cfg.Limits.PerRecipientPerDay >= 0, "MAX_PER_RECIPIENT_PER_DAY must be >= 0")
	check(cfg.Limits.NewConversationsPerDay >= 0, "MAX_NEW_CONVERSATIONS_PER_DAY must be >= 0")
	check(cfg.Compliance.StartHour >= 0 && cfg.Compliance.StartHour <= 23, "BUSINESS_HOURS_START must be within 0..23")
	check(cfg.Compliance.EndHour > cfg.Compliance.StartHour && cfg.Compliance.EndHour <= 24, "BUSINESS_HOURS_END must be after BUSINESS_HOURS_START and <= 24")
	check(cfg.Compliance.MaxLength > 0, "MAX_MESSAGE_LENGTH must be > 0")
	check(cfg.Compliance.MaxURLs >= 0, "MAX_URLS_PER_MESSAGE must be >= 0")
	check(cfg.Retry.MaxAttempts > 0, "MAX_RETRY_ATTEMPTS must be > 0")
	check(cfg.Emergency.FailureRate > 0 && cfg.Emergency.FailureRate <= 1, "EMERGENCY_FAILURE_RATE must be within (0, 1]")
	check(cfg.Emergency.BlockRate > 0 && cfg.Emergency.BlockRate <= 1, "EMERGENCY_BLOCK_RATE must be within (0, 1]")
	check(cfg.Emergency.PauseDuration > 0, "EMERGENCY_PAUSE_SECONDS must be > 0")
	check(cfg.Session.Window > 0, "SESSION_WINDOW_HOURS must be > 0")
	check(cfg.Stats.Interval > 0, "STATS_INTERVAL_SECONDS must be > 0")
	check(cfg.Webhook.Timeout > 0, "WEBHOOK_TIMEOUT_SECONDS must be > 0")

	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for env %s: %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func parseWeekdays(key, raw string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range splitList(raw) {
		wd, ok := weekdays[strings.ToLower(part)[:min(3, len(part))]]
		if !ok {
			return nil, fmt.Errorf("invalid weekday in env %s: %q", key, part)
		}
		out = append(out, wd)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("env %s must list at least one day", key)
	}
	return out, nil
}

// parseTerms splits on ";" since patterns may contain commas. An empty value
// yields nil so the built-in list applies.
func parseTerms(key, raw string) ([]string, error) {
	terms := split(raw, ";")
	for _, t := range terms {
		if _, err := regexp.Compile(t); err != nil {
			return nil, fmt.Errorf("invalid pattern in env %s: %q: %w", key, t, err)
		}
	}
	return terms, nil
}

func parseTiers(key, raw string) ([]WarmingTier, error) {
	var out []WarmingTier
	for _, part := range splitList(raw) {
		day, limit, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid tier in env %s: %q", key, part)
		}
		d, err1 := strconv.Atoi(strings.TrimSpace(day))
		l, err2 := strconv.Atoi(strings.TrimSpace(limit))
		if err1 != nil || err2 != nil || d <= 0 || l <= 0 {
			return nil, fmt.Errorf("invalid tier in env %s: %q", key, part)
		}
		if len(out) > 0 && d <= out[len(out)-1].UpToDay {
			return nil, fmt.Errorf("tiers in env %s must be in ascending day order", key)
		}
		out = append(out, WarmingTier{UpToDay: d, Limit: l})
	}
	return out, nil
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, raw, loc)
}

func splitList(raw string) []string {
	return split(raw, ",")
}

func split(raw, sep string) []string {
	var out []string
	for _, p := range strings.Split(raw, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
