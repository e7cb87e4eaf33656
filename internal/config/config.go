package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"statsfutbol.app/cloud/models"
)

type Config struct {
	Port           string
	AllowedOrigins []string

	DatabaseURL        string
	DatabaseServiceKey string

	StripeSecret        string
	StripeWebhookSecret string
	StripeTimeout       time.Duration
	DefaultPlanID       string
	Plans               []models.Plan

	// GracePeriodAccess lets payment_failed licenses keep access until expiry.
	GracePeriodAccess bool

	RedisURL        string
	RateLimitMax    int
	RateLimitWindow time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN string
	LogLevel  string
}

// DefaultPlans mirrors the three plans sold on the subscription page. Price ids
// come from STRIPE_PRICE_<PLAN> or from the plans section of config.yaml.
func DefaultPlans() []models.Plan {
	return []models.Plan{
		{ID: "monthly", Name: "Mensual", MaxUsers: 5, Recurring: true},
		{ID: "annual", Name: "Anual", MaxUsers: 5, Recurring: true},
		{ID: "lifetime", Name: "Lifetime", MaxUsers: 5, Recurring: false},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("STRIPE_TIMEOUT", "10s")
	v.SetDefault("DEFAULT_PLAN", "annual")
	v.SetDefault("GRACE_PERIOD_ACCESS", false)
	v.SetDefault("RATE_LIMIT_MAX", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "10m")
	v.SetDefault("EMAIL_FROM", "licencias@statsfutbol.app")
	v.SetDefault("LOG_LEVEL", "INFO")
	return v
}

// New loads configuration from the environment and an optional config.yaml.
// Only the store location is required here; RequireBilling checks the Stripe
// settings the server needs.
func New() (*Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	plans, err := loadPlans(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                v.GetString("PORT"),
		AllowedOrigins:      splitList(v.GetString("ALLOWED_ORIGINS")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		DatabaseServiceKey:  v.GetString("DATABASE_SERVICE_KEY"),
		StripeSecret:        v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		StripeTimeout:       v.GetDuration("STRIPE_TIMEOUT"),
		DefaultPlanID:       v.GetString("DEFAULT_PLAN"),
		Plans:               plans,
		GracePeriodAccess:   v.GetBool("GRACE_PERIOD_ACCESS"),
		RedisURL:            v.GetString("REDIS_URL"),
		RateLimitMax:        v.GetInt("RATE_LIMIT_MAX"),
		RateLimitWindow:     v.GetDuration("RATE_LIMIT_WINDOW"),
		SMTPHost:            v.GetString("SMTP_HOST"),
		SMTPPort:            v.GetString("SMTP_PORT"),
		SMTPUsername:        v.GetString("SMTP_USERNAME"),
		SMTPPassword:        v.GetString("SMTP_PASSWORD"),
		EmailFrom:           v.GetString("EMAIL_FROM"),
		SentryDSN:           v.GetString("SENTRY_DSN"),
		LogLevel:            v.GetString("LOG_LEVEL"),
	}

	var result *multierror.Error
	if cfg.DatabaseURL == "" {
		result = multierror.Append(result, errors.New("DATABASE_URL environment variable is required"))
	}
	if cfg.Plan(cfg.DefaultPlanID) == nil {
		result = multierror.Append(result, fmt.Errorf("DEFAULT_PLAN %q is not a configured plan", cfg.DefaultPlanID))
	}
	if cfg.SMTPHost != "" && (cfg.SMTPPort == "" || cfg.SMTPUsername == "" || cfg.SMTPPassword == "") {
		result = multierror.Append(result, errors.New("SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when SMTP_HOST is set"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RequireBilling reports every missing Stripe setting at once.
func (c *Config) RequireBilling() error {
	var result *multierror.Error
	if c.StripeSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_SECRET_KEY environment variable is required"))
	}
	if c.StripeWebhookSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
	}
	for _, p := range c.Plans {
		if p.StripePriceID == "" {
			result = multierror.Append(result, fmt.Errorf("STRIPE_PRICE_%s environment variable is required", strings.ToUpper(p.ID)))
		}
	}
	return result.ErrorOrNil()
}

func (c *Config) Plan(id string) *models.Plan {
	for i := range c.Plans {
		if c.Plans[i].ID == id {
			return &c.Plans[i]
		}
	}
	return nil
}

func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

func loadPlans(v *viper.Viper) ([]models.Plan, error) {
	plans := DefaultPlans()
	if v.IsSet("plans") {
		plans = nil
		if err := v.UnmarshalKey("plans", &plans); err != nil {
			return nil, fmt.Errorf("parse plans: %w", err)
		}
	}

	var result *multierror.Error
	for i := range plans {
		p := &plans[i]
		if p.ID == "" {
			result = multierror.Append(result, fmt.Errorf("plan %d has no id", i))
			continue
		}
		if p.MaxUsers <= 0 {
			result = multierror.Append(result, fmt.Errorf("plan %s: max_users must be positive", p.ID))
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if price := v.GetString("STRIPE_PRICE_" + strings.ToUpper(p.ID)); price != "" {
			p.StripePriceID = price
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return plans, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
