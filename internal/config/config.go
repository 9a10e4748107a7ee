package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	Env         string // dev|prod
	SentryDSN   string
	Release     string
	Location    *time.Location

	// ReservationTimeout is how long a child may stay pending before the sweeper releases it.
	ReservationTimeout time.Duration
	SweepInterval      time.Duration

	AdminJWTSecret string
	AdminEmail     string
	AppBaseURL     string

	SESRegion    string
	SESFromEmail string
	SESFromName  string

	TelegramBotToken     string
	TelegramAdminChatIDs []int64

	RedisURL           string
	RateLimitPerMinute int
	// TrustedProxies may set X-Forwarded-For. Anyone else is keyed by their socket address.
	TrustedProxies     []netip.Prefix

	BackupURL string
}

func Load() (*Config, error) {
	tz := getenv("TZ", "America/Chicago")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.Local
	}

	timeout, err := durationEnv("RESERVATION_TIMEOUT", 2*time.Hour)
	if err != nil {
		return nil, err
	}
	sweep, err := durationEnv("SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	chatIDs, err := parseIDs(os.Getenv("TELEGRAM_ADMIN_CHAT_IDS"))
	if err != nil {
		return nil, fmt.Errorf("TELEGRAM_ADMIN_CHAT_IDS: %w", err)
	}
	rate, err := intEnv("RATE_LIMIT_PER_MINUTE", 10)
	if err != nil {
		return nil, err
	}
	proxies, err := parsePrefixes(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	dsn, err := requireEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	secret, err := requireEnv("ADMIN_JWT_SECRET")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:          dsn,
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		Env:                  getenv("ENV", "dev"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		Release:              getenv("RELEASE", "dev"),
		Location:             loc,
		ReservationTimeout:   timeout,
		SweepInterval:        sweep,
		AdminJWTSecret:       secret,
		AdminEmail:           os.Getenv("ADMIN_EMAIL"),
		AppBaseURL:           strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:8080"), "/"),
		SESRegion:            getenv("SES_REGION", "us-east-1"),
		SESFromEmail:         os.Getenv("SES_FROM_EMAIL"),
		SESFromName:          getenv("SES_FROM_NAME", "Christmas for Kids"),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAdminChatIDs: chatIDs,
		RedisURL:             os.Getenv("REDIS_URL"),
		RateLimitPerMinute:   rate,
		TrustedProxies:       proxies,
		BackupURL:            getenv("BACKUPCTL_URL", "http://pgbackup:8081"),
	}
	return cfg, nil
}

func (c *Config) IsProd() bool { return strings.EqualFold(c.Env, "prod") }

func requireEnv(k string) (string, error) {
	v := os.Getenv(k)
	if v == "" {
		return "", fmt.Errorf("required env %s is empty", k)
	}
	return v, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func durationEnv(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", k, v)
	}
	return d, nil
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func parseIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// parsePrefixes reads a list of addresses or CIDR ranges. A bare address is a
// single-host range.
func parsePrefixes(s string) ([]netip.Prefix, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	var out []netip.Prefix
	for _, p := range parts {
		if strings.Contains(p, "/") {
			pfx, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, err
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
