package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Duration is a time.Duration that decodes from strings like "10s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ByteSize decodes human sizes such as "5MiB" or "5 GiB".
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

// String formats the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

type Config struct {
	APIURL   string `toml:"api_url"`   // DEALROOM_API_URL (required)
	WSURL    string `toml:"ws_url"`    // DEALROOM_WS_URL (default derived from api_url)
	Token    string `toml:"-"`         // DEALROOM_TOKEN (never read from the file)
	UserID   string `toml:"user_id"`   // DEALROOM_USER_ID
	LogLevel string `toml:"log_level"` // DEALROOM_LOG_LEVEL (default "info")
	LogJSON  bool   `toml:"log_json"`

	// Fees: total = amount + max(0, amount*FeePercent + FixedFee).
	FeePercent decimal.Decimal `toml:"fee_percent"` // DEALROOM_FEE_PERCENT (default 0.06)
	FixedFee   decimal.Decimal `toml:"fixed_fee"`   // DEALROOM_FIXED_FEE (default 30)

	SupportedPaymentCountries []string `toml:"supported_payment_countries"` // DEALROOM_PAYMENT_COUNTRIES (comma-separated)

	ChatAttachmentMaxBytes ByteSize `toml:"chat_attachment_max_bytes"` // default 5MiB
	ArtifactMaxBytes       ByteSize `toml:"artifact_max_bytes"`        // default 5GiB
	ChatAttachmentTypes    []string `toml:"chat_attachment_types"`

	ReconnectBase     Duration `toml:"reconnect_base"`     // DEALROOM_RECONNECT_BASE (default 1s)
	ReconnectCap      Duration `toml:"reconnect_cap"`      // DEALROOM_RECONNECT_CAP (default 10s)
	HeartbeatInterval Duration `toml:"heartbeat_interval"` // DEALROOM_HEARTBEAT_INTERVAL (default 25s)
	StaleAfter        Duration `toml:"stale_after"`        // DEALROOM_STALE_AFTER (default 0 = never force reconnect)
	DedupWindow       Duration `toml:"dedup_window"`       // default 1s

	NATSURL     string `toml:"nats_url"`     // DEALROOM_NATS_URL (optional, empty = in-process bus)
	RedisURL    string `toml:"redis_url"`    // DEALROOM_REDIS_URL (optional, empty = process-local locks)
	DatabaseURL string `toml:"database_url"` // DEALROOM_DATABASE_URL (optional, empty = in-memory journal)

	S3Bucket   string `toml:"s3_bucket"`   // DEALROOM_S3_BUCKET (enables direct presigned uploads)
	S3Region   string `toml:"s3_region"`   // DEALROOM_S3_REGION (default "us-east-1")
	S3Endpoint string `toml:"s3_endpoint"` // DEALROOM_S3_ENDPOINT (custom endpoint for MinIO)
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel:               "info",
		FeePercent:             decimal.RequireFromString("0.06"),
		FixedFee:               decimal.NewFromInt(30),
		ChatAttachmentMaxBytes: 5 << 20,
		ArtifactMaxBytes:       5 << 30,
		ChatAttachmentTypes:    []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		ReconnectBase:          Duration{time.Second},
		ReconnectCap:           Duration{10 * time.Second},
		HeartbeatInterval:      Duration{25 * time.Second},
		DedupWindow:            Duration{time.Second},
		S3Region:               "us-east-1",
	}
}

// Load builds a Config from defaults, then the TOML file at path (skipped
// when path is empty or missing), then DEALROOM_* environment variables.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if c.WSURL == "" {
		c.WSURL = deriveWSURL(c.APIURL)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.APIURL = envOrDefault("DEALROOM_API_URL", c.APIURL)
	c.WSURL = envOrDefault("DEALROOM_WS_URL", c.WSURL)
	c.Token = os.Getenv("DEALROOM_TOKEN")
	c.UserID = envOrDefault("DEALROOM_USER_ID", c.UserID)
	c.LogLevel = envOrDefault("DEALROOM_LOG_LEVEL", c.LogLevel)
	c.NATSURL = envOrDefault("DEALROOM_NATS_URL", c.NATSURL)
	c.RedisURL = envOrDefault("DEALROOM_REDIS_URL", c.RedisURL)
	c.DatabaseURL = envOrDefault("DEALROOM_DATABASE_URL", c.DatabaseURL)
	c.S3Bucket = envOrDefault("DEALROOM_S3_BUCKET", c.S3Bucket)
	c.S3Region = envOrDefault("DEALROOM_S3_REGION", c.S3Region)
	c.S3Endpoint = envOrDefault("DEALROOM_S3_ENDPOINT", c.S3Endpoint)

	if v := os.Getenv("DEALROOM_PAYMENT_COUNTRIES"); v != "" {
		c.SupportedPaymentCountries = splitList(v)
	}

	for key, dst := range map[string]*decimal.Decimal{
		"DEALROOM_FEE_PERCENT": &c.FeePercent,
		"DEALROOM_FIXED_FEE":   &c.FixedFee,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	for key, dst := range map[string]*Duration{
		"DEALROOM_RECONNECT_BASE":     &c.ReconnectBase,
		"DEALROOM_RECONNECT_CAP":      &c.ReconnectCap,
		"DEALROOM_HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"DEALROOM_STALE_AFTER":        &c.StaleAfter,
	} {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	var ve model.ValidationError
	if c.APIURL == "" {
		ve.Add("api_url", "is required (DEALROOM_API_URL)")
	}
	if c.FeePercent.IsNegative() {
		ve.Add("fee_percent", "must not be negative")
	}
	if c.ReconnectBase.Duration <= 0 {
		ve.Add("reconnect_base", "must be positive")
	}
	if c.ReconnectCap.Duration < c.ReconnectBase.Duration {
		ve.Add("reconnect_cap", "must be at least reconnect_base")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		ve.Add("heartbeat_interval", "must be positive")
	}
	if c.ArtifactMaxBytes <= 0 || c.ChatAttachmentMaxBytes <= 0 {
		ve.Add("max_bytes", "size ceilings must be positive")
	}
	return ve.Err()
}

// PaymentCountrySupported reports whether hosted checkout is available for
// the ISO country code. An empty list means every country is supported.
func (c *Config) PaymentCountrySupported(country string) bool {
	if len(c.SupportedPaymentCountries) == 0 {
		return true
	}
	for _, s := range c.SupportedPaymentCountries {
		if strings.EqualFold(s, country) {
			return true
		}
	}
	return false
}

func deriveWSURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	}
	return apiURL
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

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
