package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DashConfig holds runtime configuration for the dashboard core service.
type DashConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	FeedToken     string

	TickInterval  time.Duration
	SourceTimeout time.Duration

	FineCapacity   int
	CoarseSpan     time.Duration
	CoarseCapacity int

	CacheCapacity int
	CacheTTL      time.Duration
	HotSeries     []string

	HubQueueCapacity int
	HubDropThreshold int
	HubDropWindow    time.Duration
	IdleTimeout      time.Duration
	PollMaxWait      time.Duration
	PollMaxBatch     int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// fileConfig mirrors the optional YAML overlay. Durations are strings so the
// file can say "250ms" or "2m"; zero values mean "not set".
type fileConfig struct {
	Environment   string `yaml:"environment"`
	Addr          string `yaml:"addr"`
	LogLevel      string `yaml:"log_level"`
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	FeedToken     string `yaml:"feed_token"`

	TickInterval  string `yaml:"tick_interval"`
	SourceTimeout string `yaml:"source_timeout"`

	Windows struct {
		FineCapacity   int    `yaml:"fine_capacity"`
		CoarseSpan     string `yaml:"coarse_span"`
		CoarseCapacity int    `yaml:"coarse_capacity"`
	} `yaml:"windows"`

	Cache struct {
		Capacity  int      `yaml:"capacity"`
		TTL       string   `yaml:"ttl"`
		HotSeries []string `yaml:"hot_series"`
	} `yaml:"cache"`

	Hub struct {
		QueueCapacity int    `yaml:"queue_capacity"`
		DropThreshold int    `yaml:"drop_threshold"`
		DropWindow    string `yaml:"drop_window"`
		IdleTimeout   string `yaml:"idle_timeout"`
		PollMaxWait   string `yaml:"poll_max_wait"`
		PollMaxBatch  int    `yaml:"poll_max_batch"`
	} `yaml:"hub"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"rate_limit_redis"`
}

// defaultDashConfig returns the baseline every deployment starts from.
func defaultDashConfig() DashConfig {
	return DashConfig{
		Environment:      "development",
		Addr:             ":7700",
		LogLevel:         "info",
		DatabaseURL:      "",
		MigrationsDir:    "db/migrations",
		FeedToken:        "",
		TickInterval:     time.Second,
		SourceTimeout:    500 * time.Millisecond,
		FineCapacity:     300,
		CoarseSpan:       time.Minute,
		CoarseCapacity:   1440,
		CacheCapacity:    256,
		CacheTTL:         5 * time.Second,
		HubQueueCapacity: 256,
		HubDropThreshold: 32,
		HubDropWindow:    10 * time.Second,
		IdleTimeout:      60 * time.Second,
		PollMaxWait:      30 * time.Second,
		PollMaxBatch:     64,
	}
}

// LoadDashConfig builds the service configuration in three layers: compiled
// defaults, then the optional YAML file named by DASH_CONFIG_FILE, then
// environment variables. Environment always wins.
func LoadDashConfig() (DashConfig, error) {
	cfg := defaultDashConfig()
	if path := GetString("DASH_CONFIG_FILE", ""); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return DashConfig{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *DashConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Environment, fc.Environment)
	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.MigrationsDir, fc.MigrationsDir)
	setString(&cfg.FeedToken, fc.FeedToken)
	if err := setDuration(&cfg.TickInterval, fc.TickInterval); err != nil {
		return fmt.Errorf("config file %s: tick_interval: %w", path, err)
	}
	if err := setDuration(&cfg.SourceTimeout, fc.SourceTimeout); err != nil {
		return fmt.Errorf("config file %s: source_timeout: %w", path, err)
	}
	setInt(&cfg.FineCapacity, fc.Windows.FineCapacity)
	if err := setDuration(&cfg.CoarseSpan, fc.Windows.CoarseSpan); err != nil {
		return fmt.Errorf("config file %s: windows.coarse_span: %w", path, err)
	}
	setInt(&cfg.CoarseCapacity, fc.Windows.CoarseCapacity)
	setInt(&cfg.CacheCapacity, fc.Cache.Capacity)
	if err := setDuration(&cfg.CacheTTL, fc.Cache.TTL); err != nil {
		return fmt.Errorf("config file %s: cache.ttl: %w", path, err)
	}
	if len(fc.Cache.HotSeries) > 0 {
		cfg.HotSeries = fc.Cache.HotSeries
	}
	setInt(&cfg.HubQueueCapacity, fc.Hub.QueueCapacity)
	setInt(&cfg.HubDropThreshold, fc.Hub.DropThreshold)
	if err := setDuration(&cfg.HubDropWindow, fc.Hub.DropWindow); err != nil {
		return fmt.Errorf("config file %s: hub.drop_window: %w", path, err)
	}
	if err := setDuration(&cfg.IdleTimeout, fc.Hub.IdleTimeout); err != nil {
		return fmt.Errorf("config file %s: hub.idle_timeout: %w", path, err)
	}
	if err := setDuration(&cfg.PollMaxWait, fc.Hub.PollMaxWait); err != nil {
		return fmt.Errorf("config file %s: hub.poll_max_wait: %w", path, err)
	}
	setInt(&cfg.PollMaxBatch, fc.Hub.PollMaxBatch)
	setString(&cfg.RateLimitRedisAddr, fc.Redis.Addr)
	setString(&cfg.RateLimitRedisPass, fc.Redis.Password)
	setInt(&cfg.RateLimitRedisDB, fc.Redis.DB)
	return nil
}

func applyEnv(cfg *DashConfig) {
	cfg.Environment = GetString("APP_ENV", cfg.Environment)
	cfg.Addr = GetString("DASH_ADDR", cfg.Addr)
	cfg.LogLevel = GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = GetString("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = GetString("DB_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.FeedToken = GetString("FEED_TOKEN", cfg.FeedToken)
	cfg.TickInterval = GetDuration("TICK_INTERVAL", cfg.TickInterval)
	cfg.SourceTimeout = GetDuration("SOURCE_TIMEOUT", cfg.SourceTimeout)
	cfg.FineCapacity = GetInt("FINE_WINDOW_BUCKETS", cfg.FineCapacity)
	cfg.CoarseSpan = GetDuration("COARSE_BUCKET_SPAN", cfg.CoarseSpan)
	cfg.CoarseCapacity = GetInt("COARSE_WINDOW_BUCKETS", cfg.CoarseCapacity)
	cfg.CacheCapacity = GetInt("VIEW_CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.CacheTTL = GetDuration("VIEW_CACHE_TTL", cfg.CacheTTL)
	cfg.HotSeries = GetStrings("HOT_SERIES", cfg.HotSeries)
	cfg.HubQueueCapacity = GetInt("HUB_QUEUE_CAPACITY", cfg.HubQueueCapacity)
	cfg.HubDropThreshold = GetInt("HUB_DROP_THRESHOLD", cfg.HubDropThreshold)
	cfg.HubDropWindow = GetDuration("HUB_DROP_WINDOW", cfg.HubDropWindow)
	cfg.IdleTimeout = GetDuration("HUB_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.PollMaxWait = GetDuration("POLL_MAX_WAIT", cfg.PollMaxWait)
	cfg.PollMaxBatch = GetInt("POLL_MAX_BATCH", cfg.PollMaxBatch)
	cfg.RateLimitRedisAddr = GetString("RATE_LIMIT_REDIS_ADDR", cfg.RateLimitRedisAddr)
	cfg.RateLimitRedisPass = GetString("RATE_LIMIT_REDIS_PASSWORD", cfg.RateLimitRedisPass)
	cfg.RateLimitRedisDB = GetInt("RATE_LIMIT_REDIS_DB", cfg.RateLimitRedisDB)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}
