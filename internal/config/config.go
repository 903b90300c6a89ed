package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/browser"
	"github.com/arkheioncorp/didin-facil/internal/database"
	"github.com/arkheioncorp/didin-facil/internal/scraper"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Browser  BrowserConfig  `yaml:"browser"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Paths    PathsConfig    `yaml:"paths"`
}

type ServerConfig struct {
	Port            string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	Host            string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	// RateLimit is the number of API requests per second allowed per client.
	RateLimit      float64  `yaml:"rate_limit" env:"SERVER_RATE_LIMIT" env-default:"5"`
	RateBurst      int      `yaml:"rate_burst" env:"SERVER_RATE_BURST" env-default:"10"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

type ScraperConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" env:"SCRAPER_MAX_BROWSERS" env-default:"3"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SCRAPER_REQUEST_TIMEOUT" env-default:"30s"`
	MinDelay       time.Duration `yaml:"min_delay" env:"SCRAPER_MIN_DELAY" env-default:"5s"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"SCRAPER_MAX_DELAY" env-default:"10s"`
	ScrollWait     time.Duration `yaml:"scroll_wait" env:"SCRAPER_SCROLL_WAIT" env-default:"2s"`
	MaxRetries     int           `yaml:"max_retries" env:"SCRAPER_MAX_RETRIES" env-default:"3"`
	MaxProducts    int           `yaml:"max_products" env:"SCRAPER_MAX_PRODUCTS" env-default:"100"`
	Categories     []string      `yaml:"categories" env:"SCRAPER_CATEGORIES" env-separator:","`

	UseProxy  bool     `yaml:"use_proxy" env:"SCRAPER_USE_PROXY" env-default:"false"`
	Proxies   []string `yaml:"proxies" env:"PROXY_LIST" env-separator:","`
	ProxyFile string   `yaml:"proxy_file" env:"PROXY_FILE"`

	SafetySwitchEnabled          bool          `yaml:"safety_switch_enabled" env:"SCRAPER_SAFETY_SWITCH" env-default:"true"`
	MaxDetectionRate             float64       `yaml:"max_detection_rate" env:"SCRAPER_MAX_DETECTION_RATE" env-default:"0.2"`
	SafetyCooldown               time.Duration `yaml:"safety_cooldown" env:"SCRAPER_SAFETY_COOLDOWN" env-default:"1h"`
	ConsecutiveFailuresThreshold int           `yaml:"consecutive_failures_threshold" env:"SCRAPER_CONSECUTIVE_FAILURES" env-default:"5"`

	MemoryThreshold float64       `yaml:"memory_threshold" env:"SCRAPER_MEMORY_THRESHOLD" env-default:"0.9"`
	MemoryPause     time.Duration `yaml:"memory_pause" env:"SCRAPER_MEMORY_PAUSE" env-default:"10s"`

	APIKey    string `yaml:"api_key" env:"TIKTOK_API_KEY"`
	APISecret string `yaml:"api_secret" env:"TIKTOK_API_SECRET"`
}

type BrowserConfig struct {
	Headless        bool          `yaml:"headless" env:"SCRAPER_HEADLESS" env-default:"true"`
	PageLoadTimeout time.Duration `yaml:"page_load_timeout" env:"BROWSER_PAGE_LOAD_TIMEOUT" env-default:"60s"`
	ViewportWidth   int           `yaml:"viewport_width" env:"BROWSER_VIEWPORT_WIDTH" env-default:"1920"`
	ViewportHeight  int           `yaml:"viewport_height" env:"BROWSER_VIEWPORT_HEIGHT" env-default:"1080"`
	AcceptLanguage  string        `yaml:"accept_language" env:"BROWSER_ACCEPT_LANGUAGE" env-default:"pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"`
	TimezoneID      string        `yaml:"timezone" env:"BROWSER_TIMEZONE" env-default:"America/Sao_Paulo"`
	Locale          string        `yaml:"locale" env:"BROWSER_LOCALE" env-default:"pt-BR"`
	ExtendedStealth bool          `yaml:"extended_stealth" env:"BROWSER_EXTENDED_STEALTH" env-default:"false"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"name" env:"DB_NAME" env-default:"didin_facil"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSL_MODE" env-default:"disable"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	PollInterval time.Duration `yaml:"poll_interval" env:"RELAY_POLL_INTERVAL" env-default:"5s"`
	BatchSize    int           `yaml:"batch_size" env:"RELAY_BATCH_SIZE" env-default:"100"`
}

// WatcherConfig drives the price-drop consumer of the products stream.
type WatcherConfig struct {
	AlertStream string  `yaml:"alert_stream" env:"WATCHER_ALERT_STREAM" env-default:"stream:price_alerts"`
	Group       string  `yaml:"group" env:"WATCHER_GROUP" env-default:"price-watcher"`
	Consumer    string  `yaml:"consumer" env:"WATCHER_CONSUMER" env-default:"watcher-1"`
	MinDrop     float64 `yaml:"min_drop" env:"WATCHER_MIN_DROP" env-default:"0.1"`
}

type StorageConfig struct {
	// Driver selects where products go: sqlite, postgres or none.
	Driver     string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"didin_facil.db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

type PathsConfig struct {
	UserDataDir   string `yaml:"user_data_dir" env:"SCRAPER_USER_DATA_DIR"`
	SelectorsFile string `yaml:"selectors_file" env:"SCRAPER_SELECTORS_FILE"`
}

// Load reads the YAML file at path when given and then the environment,
// which wins over the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.Scraper.ProxyFile != "" {
		proxies, err := LoadProxyFile(cfg.Scraper.ProxyFile)
		if err != nil {
			return nil, err
		}
		cfg.Scraper.Proxies = append(cfg.Scraper.Proxies, proxies...)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Scraper.MaxConcurrent < 1 {
		return fmt.Errorf("SCRAPER_MAX_BROWSERS must be at least 1")
	}
	if c.Scraper.MinDelay > c.Scraper.MaxDelay {
		return fmt.Errorf("SCRAPER_MIN_DELAY cannot be greater than SCRAPER_MAX_DELAY")
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES cannot be negative")
	}
	if c.Scraper.MaxProducts < 1 {
		return fmt.Errorf("SCRAPER_MAX_PRODUCTS must be at least 1")
	}
	if c.Scraper.MaxDetectionRate <= 0 || c.Scraper.MaxDetectionRate > 1 {
		return fmt.Errorf("SCRAPER_MAX_DETECTION_RATE must be in (0, 1]")
	}
	if c.Scraper.MemoryThreshold <= 0 || c.Scraper.MemoryThreshold > 1 {
		return fmt.Errorf("SCRAPER_MEMORY_THRESHOLD must be in (0, 1]")
	}
	if c.Watcher.MinDrop <= 0 || c.Watcher.MinDrop >= 1 {
		return fmt.Errorf("WATCHER_MIN_DROP must be in (0, 1)")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be sqlite, postgres or none, got %q", c.Storage.Driver)
	}
	return nil
}

// ScraperConfig builds the per-run configuration. selectors may be nil.
func (c *Config) ScraperConfig(selectors []string) scraper.Config {
	return scraper.Config{
		Headless:                     c.Browser.Headless,
		MaxConcurrent:                c.Scraper.MaxConcurrent,
		RequestTimeout:               c.Scraper.RequestTimeout,
		PageLoadTimeout:              c.Browser.PageLoadTimeout,
		MinDelay:                     c.Scraper.MinDelay,
		MaxDelay:                     c.Scraper.MaxDelay,
		ScrollWait:                   c.Scraper.ScrollWait,
		MaxRetries:                   c.Scraper.MaxRetries,
		UseProxy:                     c.Scraper.UseProxy,
		Proxies:                      append([]string(nil), c.Scraper.Proxies...),
		Categories:                   append([]string(nil), c.Scraper.Categories...),
		MaxProducts:                  c.Scraper.MaxProducts,
		SafetySwitchEnabled:          c.Scraper.SafetySwitchEnabled,
		MaxDetectionRate:             c.Scraper.MaxDetectionRate,
		SafetyCooldown:               c.Scraper.SafetyCooldown,
		ConsecutiveFailuresThreshold: c.Scraper.ConsecutiveFailuresThreshold,
		APIKey:                       c.Scraper.APIKey,
		APISecret:                    c.Scraper.APISecret,
		Selectors:                    selectors,
		UserDataDir:                  c.Paths.UserDataDir,
		MemoryThreshold:              c.Scraper.MemoryThreshold,
		MemoryPause:                  c.Scraper.MemoryPause,
	}
}

func (c *Config) BrowserOptions() *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = c.Browser.Headless
	opts.Timeout = c.Scraper.RequestTimeout
	opts.PageLoadTimeout = c.Browser.PageLoadTimeout
	opts.ViewportWidth = c.Browser.ViewportWidth
	opts.ViewportHeight = c.Browser.ViewportHeight
	opts.TimezoneID = c.Browser.TimezoneID
	opts.Locale = c.Browser.Locale
	opts.UserDataDir = c.Paths.UserDataDir
	if c.Browser.AcceptLanguage != "" {
		opts.ExtraHeaders["Accept-Language"] = c.Browser.AcceptLanguage
	}
	return opts
}

func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.DBName,
		SSLMode:  c.Database.SSLMode,
		MaxConns: c.Database.MaxConns,
	}
}

// DSN prefers DATABASE_URL over the individual fields.
func (c *Config) DSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return c.DatabaseConfig().DSN()
}

// LoadSelectors reads a JSON array of CSS selectors. A missing file yields nil
// so the built-in selectors apply.
func LoadSelectors(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read selectors file: %w", err)
	}

	var selectors []string
	if err := json.Unmarshal(data, &selectors); err != nil {
		return nil, fmt.Errorf("failed to parse selectors file: %w", err)
	}
	return selectors, nil
}

// LoadProxyFile reads one proxy URL per line, skipping blanks and # comments.
func LoadProxyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}
	return proxies, nil
}
