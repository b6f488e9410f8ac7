package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for subsync.
type Config struct {
	BindAddress string
	Port        int

	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceID       string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	DiscordToken         string
	DiscordGuildID       string
	DiscordPremiumRoleID string

	LedgerSpreadsheetID   string
	LedgerSheetName       string
	LedgerPlanLabel       string
	GoogleCredentialsFile string
	GoogleTokenFile       string // optional installed-app token; empty means service account / authorized user JSON

	PlatformTimeout  time.Duration // bound on webhook -> platform loop waits
	WebhookRateLimit int           // requests per minute per client IP
	TrustedProxies   []*net.IPNet  // peers whose X-Forwarded-For is honoured; empty trusts none

	LogLevel  string
	LogFormat string
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SUBSYNC_PORT", 5000)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("SUBSYNC_WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	platformTimeout, err := envOrDefaultDuration("SUBSYNC_PLATFORM_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	trustedProxies, err := parseTrustedProxies(os.Getenv("SUBSYNC_TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}

	webhookSecret := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_KEY"))
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	}

	cfg := &Config{
		BindAddress:           envOrDefault("SUBSYNC_BIND_ADDRESS", "0.0.0.0"),
		Port:                  port,
		StripeAPIKey:          strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret:   webhookSecret,
		StripePriceID:         strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),
		CheckoutSuccessURL:    envOrDefault("SUBSYNC_CHECKOUT_SUCCESS_URL", "https://discord.com/"),
		CheckoutCancelURL:     envOrDefault("SUBSYNC_CHECKOUT_CANCEL_URL", "https://discord.com/"),
		DiscordToken:          strings.TrimSpace(os.Getenv("DISCORD_TOKEN")),
		DiscordGuildID:        strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID")),
		DiscordPremiumRoleID:  strings.TrimSpace(os.Getenv("DISCORD_PREMIUM_ROLE_ID")),
		LedgerSpreadsheetID:   strings.TrimSpace(os.Getenv("LEDGER_SPREADSHEET_ID")),
		LedgerSheetName:       envOrDefault("LEDGER_SHEET_NAME", "Sheet1"),
		LedgerPlanLabel:       envOrDefault("LEDGER_PLAN_LABEL", "Subscription"),
		GoogleCredentialsFile: strings.TrimSpace(os.Getenv("GOOGLE_CREDENTIALS_FILE")),
		GoogleTokenFile:       strings.TrimSpace(os.Getenv("GOOGLE_TOKEN_FILE")),
		PlatformTimeout:       platformTimeout,
		WebhookRateLimit:      rateLimit,
		TrustedProxies:        trustedProxies,
		LogLevel:              envOrDefault("SUBSYNC_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("SUBSYNC_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"STRIPE_API_KEY", c.StripeAPIKey},
		{"STRIPE_WEBHOOK_KEY", c.StripeWebhookSecret},
		{"STRIPE_PRICE_ID", c.StripePriceID},
		{"DISCORD_TOKEN", c.DiscordToken},
		{"DISCORD_GUILD_ID", c.DiscordGuildID},
		{"DISCORD_PREMIUM_ROLE_ID", c.DiscordPremiumRoleID},
		{"LEDGER_SPREADSHEET_ID", c.LedgerSpreadsheetID},
		{"GOOGLE_CREDENTIALS_FILE", c.GoogleCredentialsFile},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SUBSYNC_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("SUBSYNC_WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	if c.PlatformTimeout <= 0 {
		return fmt.Errorf("SUBSYNC_PLATFORM_TIMEOUT must be positive, got %s", c.PlatformTimeout)
	}
	if _, err := snowflake.ParseString(c.DiscordGuildID); err != nil {
		return fmt.Errorf("DISCORD_GUILD_ID must be a numeric id: %w", err)
	}
	if _, err := snowflake.ParseString(c.DiscordPremiumRoleID); err != nil {
		return fmt.Errorf("DISCORD_PREMIUM_ROLE_ID must be a numeric id: %w", err)
	}
	for key, raw := range map[string]string{
		"SUBSYNC_CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL,
		"SUBSYNC_CHECKOUT_CANCEL_URL":  c.CheckoutCancelURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", key, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", key)
		}
	}
	return nil
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
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

// parseTrustedProxies reads a comma-separated list of CIDRs or bare IPs.
func parseTrustedProxies(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("SUBSYNC_TRUSTED_PROXIES: invalid IP %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("SUBSYNC_TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, network)
	}
	return nets, nil
}
