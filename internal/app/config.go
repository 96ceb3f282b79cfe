package app

import (
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups in minimal images

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/stockwatch/internal/fetch"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (STOCKWATCH_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string   `default:"0.0.0.0:8080" usage:"Health server listen address"`
	DatabaseURL string   `usage:"PostgreSQL URL for tracked state (STOCKWATCH_DATABASE_URL or DATABASE_URL); in-memory when empty" flag:"database-url"`
	Targets     []string `default:"verse-men=https://www.shein.in/api/user/goods/findGoodsListByFilter?cat_id=2513|https://www.shein.in/shein-verse-men-c-2513.html" usage:"Catalog targets as name=url1|url2"`
	Version     string   `default:"dev" usage:"Version reported in the startup message"`
	Telegram    TelegramConfig
	Monitor     MonitorConfig
	Fetch       FetchConfig
	Extract     ExtractConfig
	Classify    ClassifyConfig
	Alert       AlertConfig
	Tracker     TrackerConfig
	Archive     ArchiveConfig
	Graceful    GracefulConfig
}

// TelegramConfig controls the bot client.
type TelegramConfig struct {
	Token          string        `usage:"Bot token (STOCKWATCH_TELEGRAM_TOKEN or TELEGRAM_BOT_TOKEN)" flag:"telegram-token"`
	ChatID         string        `usage:"Destination chat id (STOCKWATCH_TELEGRAM_CHAT_ID or TELEGRAM_CHAT_ID)" flag:"telegram-chat-id"`
	BaseURL        string        `default:"https://api.telegram.org" usage:"Bot API base URL"`
	SendsPerMinute int           `default:"20" usage:"Outbound messages per chat per minute"`
	Timeout        time.Duration `default:"15s" usage:"Bot API request timeout"`
}

// MonitorConfig controls the poll loop.
type MonitorConfig struct {
	Interval     time.Duration `default:"30s" usage:"Poll interval"`
	Jitter       time.Duration `default:"5s" usage:"Uniform jitter added to every poll interval"`
	SummaryEvery int           `default:"240" usage:"Send a summary every N cycles, 0 disables"`
	Categories   []string      `default:"men" usage:"Categories that produce alerts"`
	Baseline     bool          `default:"false" usage:"Record the first cycle without alerting" flag:"baseline"`
	Details      bool          `default:"true" usage:"Read sizes from product pages for changed items"`
	StaleAfter   time.Duration `default:"5m" usage:"Readiness fails when no cycle finished for this long"`
}

// FetchConfig controls traffic shaping per target.
type FetchConfig struct {
	Strategies       []string      `default:"direct,rendered,mobile" usage:"Ordered fetch strategies"`
	Cookies          string        `usage:"Cookie string seeded into every session (or SHEIN_COOKIES)"`
	Proxies          []string      `usage:"Proxy URLs rotated per identity"`
	MinSpacing       time.Duration `default:"2s" usage:"Minimum gap between two requests of one target"`
	DelayMin         time.Duration `default:"2s" usage:"Lower bound of the random pre-request delay"`
	DelayMax         time.Duration `default:"5s" usage:"Upper bound of the random pre-request delay"`
	CooldownMin      time.Duration `default:"5s" usage:"Lower bound of the soft-block cooldown"`
	CooldownMax      time.Duration `default:"15s" usage:"Upper bound of the soft-block cooldown"`
	CooldownCap      time.Duration `default:"2m" usage:"Maximum soft-block cooldown"`
	MaxAttempts      int           `default:"3" usage:"Soft-blocked attempts per strategy"`
	TransportRetries int           `default:"2" usage:"Retries per strategy after transport errors"`
	BackoffBase      time.Duration `default:"1s" usage:"Transport retry backoff base"`
	RequestTimeout   time.Duration `default:"12s" usage:"Per-request timeout"`
	ExpectedMarkers  []string      `default:"shein" usage:"Markers a markup body must contain"`
	Country          string        `default:"IN" usage:"Storefront country posted by the direct strategy"`
	CurrencyCode     string        `default:"INR" usage:"Currency code posted by the direct strategy"`
	Language         string        `default:"en" usage:"Language posted by the direct strategy"`
	PageSize         int           `default:"60" usage:"Listing page size posted by the direct strategy"`
	Sort             string        `default:"7" usage:"Listing sort code posted by the direct strategy, 7 is newest"`
}

// Filter returns the listing filter the direct strategy posts.
func (c FetchConfig) Filter() fetch.Filter {
	return fetch.Filter{
		PageSize: c.PageSize,
		Sort:     c.Sort,
		Language: c.Language,
		Country:  c.Country,
		Currency: c.CurrencyCode,
	}
}

// ExtractConfig bounds extraction.
type ExtractConfig struct {
	MaxRecords    int    `default:"50" usage:"Records per structural method"`
	Currency      string `default:"₹" usage:"Currency symbol for formatted prices"`
	CanonicalHost string `default:"www.shein.in" usage:"Host forced onto product links, empty keeps the source host"`
}

// ClassifyConfig holds the category labels and keyword sets.
type ClassifyConfig struct {
	Priority         string   `default:"men" usage:"Priority category label"`
	PriorityKeywords []string `usage:"Priority category keywords, whole words or prefix with trailing *, built-in list when empty"`
	Other            string   `default:"women" usage:"Other category label"`
	OtherKeywords    []string `usage:"Other category keywords, whole words or prefix with trailing *, built-in list when empty"`
	Default          string   `default:"unclassified" usage:"Category when no keyword matches"`
}

// AlertConfig controls delivery.
type AlertConfig struct {
	Name         string        `default:"SHEIN VERSE MEN" usage:"Name shown in service messages"`
	Retries      int           `default:"3" usage:"Text delivery attempts"`
	RetryBackoff time.Duration `default:"2s" usage:"Text retry backoff base"`
	MaxRetryWait time.Duration `default:"1m" usage:"Upper bound for a single retry wait"`
	DeepLink     string        `default:"shein://product?id=" usage:"App link prefix for native ids, empty disables app links"`
	Timezone     string        `default:"Asia/Kolkata" usage:"Timezone for timestamps and daily counters"`
}

// TrackerConfig controls retention of tracked products.
type TrackerConfig struct {
	MaxAge time.Duration `default:"0s" usage:"Forget products unseen for this long, 0 keeps them forever"`
}

// ArchiveConfig controls the payload archive.
type ArchiveConfig struct {
	Dir    string        `usage:"Directory for gzip payload archives, disabled when empty" flag:"archive-dir"`
	MaxAge time.Duration `default:"72h" usage:"Prune archives older than this"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"1s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOCKWATCH",
		Files:     []string{"config.yaml", "/etc/stockwatch/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the plain variable names used by hosting
// platforms and the legacy deployment onto the prefixed configuration.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	fallback := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}
	fallback(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	fallback(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	fallback(&c.Fetch.Cookies, "SHEIN_COOKIES")
	fallback(&c.DatabaseURL, "DATABASE_URL")

	if port := getenv("PORT"); port != "" && (c.Addr == defaultAddr || c.Addr == "") {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate reports the first missing or malformed required value.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram bot token is required: set STOCKWATCH_TELEGRAM_TOKEN or TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.ChatID == "" {
		return errors.New("telegram chat id is required: set STOCKWATCH_TELEGRAM_CHAT_ID or TELEGRAM_CHAT_ID")
	}
	if _, err := c.ParseTargets(); err != nil {
		return err
	}
	if len(c.Monitor.Categories) == 0 {
		return errors.New("at least one monitored category is required")
	}
	if c.Monitor.Interval <= 0 {
		return errors.Errorf("poll interval must be positive, got %s", c.Monitor.Interval)
	}
	if _, err := fetch.StrategiesByName(c.Fetch.Strategies, c.Fetch.Filter()); err != nil {
		return errors.Wrap(err, "fetch strategies")
	}
	if _, err := time.LoadLocation(c.Alert.Timezone); err != nil {
		return errors.Wrapf(err, "timezone %q", c.Alert.Timezone)
	}
	return nil
}

// Location returns the configured timezone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Alert.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseTargets parses "name=url1|url2" entries. Names must be unique.
func (c *Config) ParseTargets() ([]fetch.Target, error) {
	if len(c.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	out := make([]fetch.Target, 0, len(c.Targets))
	for _, raw := range c.Targets {
		t, err := parseTarget(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[t.Name]; ok {
			return nil, errors.Errorf("duplicate target %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func parseTarget(raw string) (fetch.Target, error) {
	name, urls, ok := strings.Cut(strings.TrimSpace(raw), "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fetch.Target{}, errors.Errorf("target %q: want name=url1|url2", raw)
	}
	t := fetch.Target{Name: name}
	for u := range strings.SplitSeq(urls, "|") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fetch.Target{}, errors.Errorf("target %q: invalid url %q", name, u)
		}
		t.URLs = append(t.URLs, u)
	}
	if len(t.URLs) == 0 {
		return fetch.Target{}, errors.Errorf("target %q has no urls", name)
	}
	return t, nil
}
