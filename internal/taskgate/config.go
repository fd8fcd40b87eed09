package taskgate

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
)

// Config holds all runtime configuration.
type Config struct {
	BindAddress string
	Port        int
	BaseURL     string
	LogLevel    string
	LogFormat   string
	Timezone    *time.Location

	DBDriver    string
	DatabaseURL string
	DataDir     string

	TokenSecret   string
	SessionSecret string
	SecureCookies bool

	AdminUser         string
	AdminPasswordHash string

	StripeSecretKey     string
	StripeWebhookSecret string

	SlackAppToken      string
	SlackBotToken      string
	SlackSigningSecret string
	SlackReportChannel string
	SlackReportHour    int

	OIDC principal.OIDCConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SignupRateLimit  int
	WebhookRateLimit int
	CRMQueueSize     int
}

// StripeEnabled reports whether checkout can be offered.
func (c *Config) StripeEnabled() bool { return c.StripeSecretKey != "" }

// SlackEnabled reports whether the socket client should run.
func (c *Config) SlackEnabled() bool { return c.SlackAppToken != "" && c.SlackBotToken != "" }

// AdminEnabled reports whether admin routes accept credentials.
func (c *Config) AdminEnabled() bool { return c.AdminPasswordHash != "" }

// LoadConfig reads configuration from the environment. A .env file is loaded
// if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	intVar := func(key string, fallback int) int {
		n, err := envOrDefaultInt(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}

	cfg := &Config{
		BindAddress: envOrDefault("TASKGATE_BIND_ADDRESS", "0.0.0.0"),
		Port:        intVar("TASKGATE_PORT", 5000),
		BaseURL:     strings.TrimRight(envOrDefault("TASKGATE_BASE_URL", "http://localhost:5000"), "/"),
		LogLevel:    envOrDefault("TASKGATE_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("TASKGATE_LOG_FORMAT", "auto"),

		DBDriver:    envOrDefault("TASKGATE_DB_DRIVER", "sqlite"),
		DatabaseURL: strings.TrimSpace(os.Getenv("TASKGATE_DATABASE_URL")),
		DataDir:     envOrDefault("TASKGATE_DATA_DIR", "./data"),

		TokenSecret:   envOrDefault("TASKGATE_TOKEN_SECRET", strings.TrimSpace(os.Getenv("SESSION_SECRET"))),
		SessionSecret: strings.TrimSpace(os.Getenv("SESSION_SECRET")),
		SecureCookies: envOrDefaultBool("TASKGATE_SECURE_COOKIES", false),

		AdminUser:         envOrDefault("TASKGATE_ADMIN_USER", "admin"),
		AdminPasswordHash: strings.TrimSpace(os.Getenv("TASKGATE_ADMIN_PASSWORD_HASH")),

		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		SlackAppToken:      strings.TrimSpace(os.Getenv("SLACK_APP_TOKEN")),
		SlackBotToken:      strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")),
		SlackSigningSecret: strings.TrimSpace(os.Getenv("SLACK_SIGNING_SECRET")),
		SlackReportChannel: strings.TrimSpace(os.Getenv("SLACK_REPORT_CHANNEL")),
		SlackReportHour:    intVar("SLACK_REPORT_HOUR", 9),

		OIDC: principal.OIDCConfig{
			IssuerURL:    strings.TrimSpace(os.Getenv("OIDC_ISSUER_URL")),
			ClientID:     strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("OIDC_CLIENT_SECRET")),
			RedirectURL:  strings.TrimSpace(os.Getenv("OIDC_REDIRECT_URL")),
		},

		RedisAddr:     strings.TrimSpace(os.Getenv("TASKGATE_REDIS_ADDR")),
		RedisPassword: os.Getenv("TASKGATE_REDIS_PASSWORD"),
		RedisDB:       intVar("TASKGATE_REDIS_DB", 0),

		SignupRateLimit:  intVar("TASKGATE_SIGNUP_RATE_LIMIT", 10),
		WebhookRateLimit: intVar("TASKGATE_WEBHOOK_RATE_LIMIT", 120),
		CRMQueueSize:     intVar("TASKGATE_CRM_QUEUE_SIZE", 256),
	}

	tz := envOrDefault("TASKGATE_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Sprintf("TASKGATE_TIMEZONE %q is not a known zone", tz))
		loc = time.UTC
	}
	cfg.Timezone = loc
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.TokenSecret
	}

	if len(errs) > 0 {
		return nil, apperrors.Configuration("load_config", strings.Join(errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate reports every missing or inconsistent setting at once.
func (c *Config) validate() error {
	var problems []string
	if c.TokenSecret == "" {
		problems = append(problems, "TASKGATE_TOKEN_SECRET (or SESSION_SECRET) is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("TASKGATE_PORT must be between 1 and 65535, got %d", c.Port))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, "TASKGATE_BASE_URL must be an absolute http(s) URL")
	}

	switch c.DBDriver {
	case "sqlite":
		if c.DataDir == "" {
			problems = append(problems, "TASKGATE_DATA_DIR is required for sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "TASKGATE_DATABASE_URL is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("TASKGATE_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}

	problems = append(problems, partialGroup("stripe", map[string]string{
		"STRIPE_SECRET_KEY":     c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
	})...)
	problems = append(problems, partialGroup("slack", map[string]string{
		"SLACK_APP_TOKEN":      c.SlackAppToken,
		"SLACK_BOT_TOKEN":      c.SlackBotToken,
		"SLACK_SIGNING_SECRET": c.SlackSigningSecret,
	})...)
	problems = append(problems, partialGroup("oidc", map[string]string{
		"OIDC_ISSUER_URL":    c.OIDC.IssuerURL,
		"OIDC_CLIENT_ID":     c.OIDC.ClientID,
		"OIDC_CLIENT_SECRET": c.OIDC.ClientSecret,
		"OIDC_REDIRECT_URL":  c.OIDC.RedirectURL,
	})...)

	if c.SlackReportHour < 0 || c.SlackReportHour > 23 {
		problems = append(problems, fmt.Sprintf("SLACK_REPORT_HOUR must be between 0 and 23, got %d", c.SlackReportHour))
	}
	if c.SignupRateLimit <= 0 || c.WebhookRateLimit <= 0 {
		problems = append(problems, "rate limits must be greater than 0")
	}

	if len(problems) > 0 {
		return apperrors.Configuration("validate_config", strings.Join(problems, "; "))
	}
	return nil
}

// partialGroup flags a feature whose variables are only partly set.
func partialGroup(name string, vars map[string]string) []string {
	var set, missing []string
	for k, v := range vars {
		if v == "" {
			missing = append(missing, k)
		} else {
			set = append(set, k)
		}
	}
	if len(set) == 0 || len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return []string{fmt.Sprintf("%s is partially configured; missing %s", name, strings.Join(missing, ", "))}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fallback, fmt.Errorf("%s must be a valid integer", key)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}
