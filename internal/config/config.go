package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration for the liquidation service
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Report      ReportConfig      `mapstructure:"report"`
	Security    SecurityConfig    `mapstructure:"security"`

	v  *viper.Viper
	mu sync.RWMutex
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	BadgerPath   string `mapstructure:"badger_path"`
	BadgerGCSpec string `mapstructure:"badger_gc_spec"`
}

// RecognitionConfig holds vision extraction service settings
type RecognitionConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	Timeout           int    `mapstructure:"timeout"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	DefaultCurrency   string `mapstructure:"default_currency"`
}

// CaptureConfig holds capture pipeline settings
type CaptureConfig struct {
	Oversample    float64 `mapstructure:"oversample"`
	JPEGQuality   int     `mapstructure:"jpeg_quality"`
	SettleDelayMS int     `mapstructure:"settle_delay_ms"`
}

// ReportConfig holds report identity settings
type ReportConfig struct {
	Organization string `mapstructure:"organization"`
	Address      string `mapstructure:"address"`
	Title        string `mapstructure:"title"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	AdminPassword string   `mapstructure:"admin_password"`
	AllowOrigins  []string `mapstructure:"allow_origins"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.Set("storage.data_dir", dataDir)
	v.Set("storage.sqlite_path", filepath.Join(dataDir, "expensio.db"))
	v.Set("storage.badger_path", filepath.Join(dataDir, "blobs"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "expensio.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (EXPENSIO_SERVER_PORT, EXPENSIO_RECOGNITION_API_KEY, etc.)
	v.SetEnvPrefix("EXPENSIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	cfg.v = v
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)

	// Recognition defaults
	v.SetDefault("recognition.base_url", "https://api.openai.com/v1")
	v.SetDefault("recognition.model", "gpt-4o-mini")
	v.SetDefault("recognition.timeout", 45)
	v.SetDefault("recognition.requests_per_minute", 30)
	v.SetDefault("recognition.default_currency", "PHP")

	// Capture defaults
	v.SetDefault("capture.oversample", 3.0)
	v.SetDefault("capture.jpeg_quality", 85)
	v.SetDefault("capture.settle_delay_ms", 350)

	// Report defaults
	v.SetDefault("report.organization", "Expensio")
	v.SetDefault("report.title", "Expense Liquidation Report")

	// Storage defaults
	v.SetDefault("storage.badger_gc_spec", "@every 30m")

	// Security defaults
	v.SetDefault("security.allow_origins", []string{"*"})
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "expensio")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "expensio")
}

// loadEnvOverrides loads specific env vars that Viper doesn't pick up reliably
// when no config file is present
func loadEnvOverrides(cfg *Config) {
	getEnv := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return fallback
	}

	if port := os.Getenv("EXPENSIO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	cfg.Recognition.APIKey = getEnv("EXPENSIO_RECOGNITION_API_KEY", cfg.Recognition.APIKey)
	cfg.Recognition.BaseURL = getEnv("EXPENSIO_RECOGNITION_BASE_URL", cfg.Recognition.BaseURL)
	cfg.Recognition.Model = getEnv("EXPENSIO_RECOGNITION_MODEL", cfg.Recognition.Model)

	cfg.Security.JWTSecret = getEnv("EXPENSIO_SECURITY_JWT_SECRET", cfg.Security.JWTSecret)
	cfg.Security.AdminPassword = getEnv("EXPENSIO_SECURITY_ADMIN_PASSWORD", cfg.Security.AdminPassword)

	cfg.Report.Organization = getEnv("EXPENSIO_REPORT_ORGANIZATION", cfg.Report.Organization)
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	if cfg.Recognition.BaseURL == "" {
		return fmt.Errorf("recognition.base_url is required")
	}

	if cfg.Capture.Oversample < 1 {
		return fmt.Errorf("capture.oversample must be >= 1, got %v", cfg.Capture.Oversample)
	}

	if cfg.Capture.JPEGQuality < 1 || cfg.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be 1-100, got %d", cfg.Capture.JPEGQuality)
	}

	// Generate JWT secret if not provided
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = generateRandomString(32)
	}

	return nil
}

func generateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ReportIdentity returns the current report identity fields. Safe to call
// concurrently with a config file reload.
func (c *Config) ReportIdentity() ReportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Report
}

// WatchReport re-reads the report identity section when the config file
// changes on disk, so running servers pick up letterhead edits without a
// restart.
func (c *Config) WatchReport(logger *zap.Logger) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := c.v.Unmarshal(&next); err != nil {
			logger.Warn("Ignoring config reload", zap.String("file", e.Name), zap.Error(err))
			return
		}
		c.mu.Lock()
		c.Report = next.Report
		c.mu.Unlock()
		logger.Info("Report identity reloaded", zap.String("organization", next.Report.Organization))
	})
	c.v.WatchConfig()
}
