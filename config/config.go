// Package config loads server configuration.
//
// Values are resolved in this order, later wins:
//   - built-in defaults
//   - a .env file in the working directory, if present
//   - process environment (PORT, DB_PATH, REDIS_ADDR, LOG_LEVEL, LOG_FORMAT,
//     POLICY_FILE, PAYMENTS_URL, SWEEP_INTERVAL)
//   - command-line flags (-port, -db, -policy)
//
// Business policy (fees, reservation TTL, retry, refund thresholds) lives in
// an optional YAML file so it can change without a rebuild.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/pricing"
	"github.com/warp/ticket-engine/refund"
	"github.com/warp/ticket-engine/reservation"
)

type Config struct {
	Port          int
	DBPath        string
	RedisAddr     string
	LogLevel      string
	LogFormat     string
	PolicyFile    string
	PaymentsURL   string
	SweepInterval time.Duration

	Policy Policy
}

// Policy is the YAML policy file.
type Policy struct {
	Fees           FeesConfig          `yaml:"fees"`
	ReservationTTL time.Duration       `yaml:"reservation_ttl"`
	Retry          generic.RetryPolicy `yaml:"retry"`
	Refunds        RefundsConfig       `yaml:"refunds"`
}

// FeesConfig holds percentages as strings so they stay exact.
type FeesConfig struct {
	PlatformPercent string `yaml:"platform_percent"`
	PaymentPercent  string `yaml:"payment_percent"`
	TaxPercent      string `yaml:"tax_percent"`
}

type RefundsConfig struct {
	Default       refund.ThresholdPolicy            `yaml:"default"`
	Events        map[string]refund.ThresholdPolicy `yaml:"events"`
	ApproverRoles []string                          `yaml:"approver_roles"`
}

func DefaultPolicy() Policy {
	return Policy{
		Fees:           FeesConfig{PlatformPercent: "0", PaymentPercent: "0", TaxPercent: "0"},
		ReservationTTL: reservation.DefaultTTL,
		Retry:          generic.DefaultRetryPolicy(),
		Refunds: RefundsConfig{
			Default:       refund.DefaultThresholds(),
			ApproverRoles: []string{string(generic.RoleAdmin), string(generic.RoleFinance)},
		},
	}
}

// Load builds the configuration from defaults, .env, environment and args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		Port:          8080,
		DBPath:        "tickets.db",
		LogLevel:      "info",
		LogFormat:     "text",
		SweepInterval: time.Minute,
		Policy:        DefaultPolicy(),
	}
	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}

	fsFlags := flag.NewFlagSet("server", flag.ContinueOnError)
	fsFlags.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fsFlags.StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path (":memory:" for in-memory)`)
	fsFlags.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML policy file")
	if err := fsFlags.Parse(args); err != nil {
		return nil, err
	}

	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *p
	}
	return cfg, nil
}

func (c *Config) fromEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SWEEP_INTERVAL %q: %w", v, err)
		}
		c.SweepInterval = d
	}
	setString(&c.DBPath, "DB_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.PolicyFile, "POLICY_FILE")
	setString(&c.PaymentsURL, "PAYMENTS_URL")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if _, err := p.FeePolicy(); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// POLICY ACCESSORS
// =============================================================================

func (p Policy) FeePolicy() (pricing.FeePolicy, error) {
	var fp pricing.FeePolicy
	var err error
	if fp.PlatformPercent, err = percent("fees.platform_percent", p.Fees.PlatformPercent); err != nil {
		return fp, err
	}
	if fp.PaymentPercent, err = percent("fees.payment_percent", p.Fees.PaymentPercent); err != nil {
		return fp, err
	}
	if fp.TaxPercent, err = percent("fees.tax_percent", p.Fees.TaxPercent); err != nil {
		return fp, err
	}
	return fp, nil
}

func (p Policy) ApprovalPolicy() refund.ApprovalPolicy {
	per := make(map[string]refund.ApprovalPolicy, len(p.Refunds.Events))
	for eventID, t := range p.Refunds.Events {
		per[eventID] = t
	}
	return refund.EventPolicies{Default: p.Refunds.Default, PerEvent: per}
}

func (p Policy) ApproverRoles() []generic.Role {
	roles := make([]generic.Role, 0, len(p.Refunds.ApproverRoles))
	for _, r := range p.Refunds.ApproverRoles {
		roles = append(roles, generic.Role(r))
	}
	return roles
}

func percent(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, generic.NewValidationError(field, "invalid percentage %q", s)
	}
	return d, nil
}
