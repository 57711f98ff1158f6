package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
	RegistrationTTL time.Duration `mapstructure:"registration_token_ttl"`
	SessionTTL      time.Duration `mapstructure:"session_token_ttl"`
}

type RegistrationConfig struct {
	SuperAdminEmail       string `mapstructure:"super_admin_email"`
	StrictInvitationEmail bool   `mapstructure:"strict_invitation_email"`
}

type InvitationConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	InviteURLTemplate string        `mapstructure:"invite_url_template"`
}

type VerificationConfig struct {
	CodeTTL     time.Duration `mapstructure:"code_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type EmailConfig struct {
	Provider        string        `mapstructure:"provider"`
	DispatchMode    string        `mapstructure:"dispatch_mode"`
	From            string        `mapstructure:"from"`
	SMTPHost        string        `mapstructure:"smtp_host"`
	SMTPPort        int           `mapstructure:"smtp_port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	SupportAddress  string        `mapstructure:"support_address"`
	AlertRecipients []string      `mapstructure:"alert_recipients"`
	SES             SESConfig     `mapstructure:"ses"`
}

type SESConfig struct {
	Region           string            `mapstructure:"region"`
	Endpoint         string            `mapstructure:"endpoint"`
	ConfigurationSet string            `mapstructure:"configuration_set"`
	DefaultTags      map[string]string `mapstructure:"default_tags"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type Config struct {
	DatabaseURL  string             `mapstructure:"database_url"`
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Invitations  InvitationConfig   `mapstructure:"invitations"`
	Verification VerificationConfig `mapstructure:"verification"`
	Email        EmailConfig        `mapstructure:"email"`
	Temporal     TemporalConfig     `mapstructure:"temporal"`
}

// secretsEnv holds values that must come from the environment rather than
// the config file.
type secretsEnv struct {
	DatabaseURL     string `env:"PORTAL_DATABASE_URL"`
	JWTSecret       string `env:"PORTAL_JWT_SECRET"`
	SuperAdminEmail string `env:"PORTAL_SUPER_ADMIN_EMAIL"`
	SMTPPassword    string `env:"PORTAL_SMTP_PASSWORD"`
}

const (
	ProviderSMTP = "smtp"
	ProviderSES  = "ses"
	ProviderLog  = "log"

	DispatchAsync    = "async"
	DispatchTemporal = "temporal"
)

// Load reads config.yaml from the current directory or ./config, applies
// PORTAL_* environment overrides and validates the result.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return load(v)
}

// LoadFile reads configuration from an explicit YAML file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return load(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_url", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)
	v.SetDefault("auth.registration_token_ttl", 168*time.Hour)
	v.SetDefault("auth.session_token_ttl", 24*time.Hour)
	v.SetDefault("registration.super_admin_email", "")
	v.SetDefault("registration.strict_invitation_email", true)
	v.SetDefault("invitations.ttl", 24*time.Hour)
	v.SetDefault("invitations.invite_url_template", "https://portal.voltgrid.app/register?token=%s")
	v.SetDefault("verification.code_ttl", 15*time.Minute)
	v.SetDefault("verification.max_attempts", 5)
	v.SetDefault("email.provider", ProviderSMTP)
	v.SetDefault("email.dispatch_mode", DispatchAsync)
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.send_timeout", 10*time.Second)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "PORTAL_EMAIL")
	return v
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var secrets secretsEnv
	if err := env.Parse(&secrets); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if secrets.DatabaseURL != "" {
		cfg.DatabaseURL = secrets.DatabaseURL
	}
	if secrets.JWTSecret != "" {
		cfg.Auth.JWTSecret = secrets.JWTSecret
	}
	if secrets.SuperAdminEmail != "" {
		cfg.Registration.SuperAdminEmail = secrets.SuperAdminEmail
	}
	if secrets.SMTPPassword != "" {
		cfg.Email.Password = secrets.SMTPPassword
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrMissingSigningSecret is returned when no JWT secret is configured.
// The process must not start without one.
var ErrMissingSigningSecret = errors.New("jwt secret must be set (auth.jwt_secret or PORTAL_JWT_SECRET)")

// Validate normalizes values and rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	c.Auth.JWTSecret = strings.TrimSpace(c.Auth.JWTSecret)
	if c.Auth.JWTSecret == "" {
		return ErrMissingSigningSecret
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	c.Registration.SuperAdminEmail = strings.ToLower(strings.TrimSpace(c.Registration.SuperAdminEmail))

	if c.Invitations.TTL <= 0 {
		return errors.New("invitations.ttl must be positive")
	}
	if !strings.Contains(c.Invitations.InviteURLTemplate, "%s") {
		return errors.New("invitations.invite_url_template must contain %s")
	}
	if c.Verification.CodeTTL <= 0 {
		return errors.New("verification.code_ttl must be positive")
	}
	if c.Verification.MaxAttempts <= 0 {
		return errors.New("verification.max_attempts must be positive")
	}

	c.Email.Provider = strings.ToLower(strings.TrimSpace(c.Email.Provider))
	switch c.Email.Provider {
	case ProviderSMTP, ProviderSES, ProviderLog:
	default:
		return fmt.Errorf("email.provider %q is not supported", c.Email.Provider)
	}
	c.Email.DispatchMode = strings.ToLower(strings.TrimSpace(c.Email.DispatchMode))
	switch c.Email.DispatchMode {
	case DispatchAsync, DispatchTemporal:
	default:
		return fmt.Errorf("email.dispatch_mode %q is not supported", c.Email.DispatchMode)
	}
	if c.Email.SendTimeout <= 0 {
		return errors.New("email.send_timeout must be positive")
	}
	return nil
}
