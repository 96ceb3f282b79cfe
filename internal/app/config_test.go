package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/stockwatch/internal/fetch"
)

func validConfig() Config {
	return Config{
		Addr:    defaultAddr,
		Targets: []string{"verse-men=https://www.shein.in/api/goods?cat_id=2513|https://www.shein.in/men-c-2513.html"},
		Telegram: TelegramConfig{
			Token:  "123:abc",
			ChatID: "-100200",
		},
		Monitor: MonitorConfig{
			Interval:   30 * time.Second,
			Categories: []string{"men"},
		},
		Fetch: FetchConfig{Strategies: []string{"direct", "rendered", "mobile"}},
		Alert: AlertConfig{Timezone: "Asia/Kolkata"},
	}
}

func TestParseTargets(t *testing.T) {
	tests := []struct {
		name    string
		targets []string
		want    []fetch.Target
		wantErr string
	}{
		{
			name:    "query string keeps its equals sign",
			targets: []string{"verse-men=https://www.shein.in/api/goods?cat_id=2513|https://m.shein.in/men.html"},
			want: []fetch.Target{{
				Name: "verse-men",
				URLs: []string{"https://www.shein.in/api/goods?cat_id=2513", "https://m.shein.in/men.html"},
			}},
		},
		{
			name:    "spaces and empty segments",
			targets: []string{" a = https://a.example/x || https://a.example/y ", "b=https://b.example"},
			want: []fetch.Target{
				{Name: "a", URLs: []string{"https://a.example/x", "https://a.example/y"}},
				{Name: "b", URLs: []string{"https://b.example"}},
			},
		},
		{name: "none", wantErr: "at least one target is required"},
		{name: "missing name", targets: []string{"https://a.example"}, wantErr: "want name=url1|url2"},
		{name: "no urls", targets: []string{"a=|"}, wantErr: `target "a" has no urls`},
		{name: "bad scheme", targets: []string{"a=ftp://a.example"}, wantErr: "invalid url"},
		{name: "duplicate", targets: []string{"a=https://x.example", "a=https://y.example"}, wantErr: `duplicate target "a"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Targets: tt.targets}
			got, err := cfg.ParseTargets()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	env := map[string]string{
		"TELEGRAM_BOT_TOKEN": " 999:xyz ",
		"TELEGRAM_CHAT_ID":   "-1001",
		"SHEIN_COOKIES":      "region=IN",
		"DATABASE_URL":       "postgres://localhost/stockwatch",
		"PORT":               "9090",
	}
	getenv := func(k string) string { return env[k] }

	t.Run("fills empty values", func(t *testing.T) {
		cfg := Config{Addr: defaultAddr}
		cfg.applyPlatformDefaults(getenv)

		assert.Equal(t, "999:xyz", cfg.Telegram.Token)
		assert.Equal(t, "-1001", cfg.Telegram.ChatID)
		assert.Equal(t, "region=IN", cfg.Fetch.Cookies)
		assert.Equal(t, "postgres://localhost/stockwatch", cfg.DatabaseURL)
		assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
	})

	t.Run("explicit values win", func(t *testing.T) {
		cfg := Config{
			Addr:        "127.0.0.1:7000",
			DatabaseURL: "postgres://db/explicit",
			Telegram:    TelegramConfig{Token: "1:own", ChatID: "42"},
		}
		cfg.applyPlatformDefaults(getenv)

		assert.Equal(t, "1:own", cfg.Telegram.Token)
		assert.Equal(t, "42", cfg.Telegram.ChatID)
		assert.Equal(t, "postgres://db/explicit", cfg.DatabaseURL)
		assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "bot token is required"},
		{name: "no chat", mutate: func(c *Config) { c.Telegram.ChatID = "" }, wantErr: "chat id is required"},
		{name: "no targets", mutate: func(c *Config) { c.Targets = nil }, wantErr: "at least one target"},
		{name: "no categories", mutate: func(c *Config) { c.Monitor.Categories = nil }, wantErr: "monitored category"},
		{name: "zero interval", mutate: func(c *Config) { c.Monitor.Interval = 0 }, wantErr: "interval must be positive"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Fetch.Strategies = []string{"carrier-pigeon"} }, wantErr: "fetch strategies"},
		{name: "bad timezone", mutate: func(c *Config) { c.Alert.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFetchConfig(t *testing.T) {
	cfg := validConfig().Fetch
	cfg.MinSpacing = 2 * time.Second
	cfg.Proxies = []string{"http://proxy.example:8080"}

	got := fetchConfig(cfg, []fetch.Strategy{fetch.Direct()})
	assert.Len(t, got.Strategies, 1)
	assert.Equal(t, 2*time.Second, got.MinSpacing)
	assert.Equal(t, []string{"http://proxy.example:8080"}, got.Proxies)
}

func TestFetchConfig_Filter(t *testing.T) {
	cfg := FetchConfig{Country: "IN", CurrencyCode: "INR", Language: "en", PageSize: 60, Sort: "7"}
	assert.Equal(t, fetch.Filter{PageSize: 60, Sort: "7", Language: "en", Country: "IN", Currency: "INR"}, cfg.Filter())

	strategies, err := fetch.StrategiesByName([]string{"direct"}, cfg.Filter())
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, fetch.StrategyDirect, strategies[0].Name)
}

func TestNewClassifier_DefaultKeywords(t *testing.T) {
	c, err := newClassifier(ClassifyConfig{Priority: "men", Other: "women", Default: "unclassified"})
	require.NoError(t, err)
	assert.Equal(t, "men", string(c.Classify("Relaxed Men Tee", "")))
	assert.Equal(t, "women", string(c.Classify("Slip Dress", "")))
	assert.Equal(t, "women", string(c.Classify("Boyfriend Jeans", "")))
}
