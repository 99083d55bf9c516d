package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Values that must never reach production
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig   `mapstructure:"server"`
	Database       DatabaseConfig `mapstructure:"database"`
	Store          StoreConfig    `mapstructure:"store"`
	JWT            JWTConfig      `mapstructure:"jwt"`
	Services       ServicesConfig `mapstructure:"services"`
	Lease          LeaseConfig    `mapstructure:"lease"`
	Sweep          SweepConfig    `mapstructure:"sweep"`
	Log            LogConfig      `mapstructure:"log"`
	InternalSecret string         `mapstructure:"internal_secret"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StoreConfig selects the persistence backend: "postgres" or "memory"
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// SeedPool provisions the memory store's address pool at startup
	SeedPool []PoolSeed `mapstructure:"seed_pool"`
}

type PoolSeed struct {
	Region        string `mapstructure:"region"`
	PublicAddress string `mapstructure:"public_address"`
	ServerID      string `mapstructure:"server_id"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

type ServicesConfig struct {
	SubscriptionServiceURL string `mapstructure:"subscription_service_url"`
	NetworkAgentURL        string `mapstructure:"network_agent_url"`
}

// LeaseConfig is the allocation and rule lifecycle policy
type LeaseConfig struct {
	StaleTimeout        time.Duration `mapstructure:"stale_timeout"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	DispatchTimeout     time.Duration `mapstructure:"dispatch_timeout"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts"`
	Retention           time.Duration `mapstructure:"retention"`
	ExpiringWindow      time.Duration `mapstructure:"expiring_window"`
}

// SweepConfig controls the background sweep intervals
type SweepConfig struct {
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	AddonExpiryInterval time.Duration `mapstructure:"addon_expiry_interval"`
	GraceInterval       time.Duration `mapstructure:"grace_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// envBindings keeps the environment variable names used across the platform
var envBindings = map[string]string{
	"server.port":                       "SERVER_PORT",
	"server.mode":                       "GIN_MODE",
	"database.host":                     "DB_HOST",
	"database.port":                     "DB_PORT",
	"database.user":                     "DB_USER",
	"database.password":                 "DB_PASSWORD",
	"database.dbname":                   "DB_NAME",
	"database.sslmode":                  "DB_SSLMODE",
	"store.driver":                      "STORE_DRIVER",
	"jwt.secret_key":                    "JWT_SECRET_KEY",
	"services.subscription_service_url": "SUBSCRIPTION_SERVICE_URL",
	"services.network_agent_url":        "NETWORK_AGENT_URL",
	"internal_secret":                   "INTERNAL_SECRET",
	"log.level":                         "LOG_LEVEL",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.port", "8006")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "saas_user")
	v.SetDefault("database.password", "saas_pass")
	v.SetDefault("database.dbname", "saas_db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("services.subscription_service_url", "http://localhost:8003")
	v.SetDefault("services.network_agent_url", "http://localhost:8390")
	v.SetDefault("lease.stale_timeout", "15m")
	v.SetDefault("lease.grace_period", "72h")
	v.SetDefault("lease.dispatch_timeout", "10s")
	v.SetDefault("lease.max_dispatch_attempts", 5)
	v.SetDefault("lease.retention", "2160h")
	v.SetDefault("lease.expiring_window", "168h")
	v.SetDefault("sweep.reconcile_interval", "1m")
	v.SetDefault("sweep.addon_expiry_interval", "5m")
	v.SetDefault("sweep.grace_interval", "10m")
	v.SetDefault("log.level", "info")

	// STATICIP_LEASE_GRACE_PERIOD style overrides for every other key
	v.SetEnvPrefix("STATICIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	return v
}

// Load reads configuration from the optional file at path and the environment.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	}
	return load(v, path != "")
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	if readFile {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks lease policy and, in release mode, that secrets are not
// left at insecure defaults
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}

	for i, seed := range c.Store.SeedPool {
		if seed.Region == "" || seed.PublicAddress == "" {
			return fmt.Errorf("store.seed_pool[%d]: region and public_address are required", i)
		}
	}

	if c.Lease.StaleTimeout <= 0 {
		return fmt.Errorf("lease.stale_timeout must be positive")
	}
	if c.Lease.GracePeriod < 0 {
		return fmt.Errorf("lease.grace_period must not be negative")
	}
	if c.Lease.DispatchTimeout <= 0 {
		return fmt.Errorf("lease.dispatch_timeout must be positive")
	}
	if c.Lease.MaxDispatchAttempts <= 0 {
		return fmt.Errorf("lease.max_dispatch_attempts must be a positive integer")
	}
	if c.Sweep.ReconcileInterval <= 0 || c.Sweep.AddonExpiryInterval <= 0 || c.Sweep.GraceInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Server.Mode != "release" {
		return nil
	}
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}
	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// ParseLevel converts a config log level to a zap level.
func ParseLevel(level string) (zap.AtomicLevel, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return lvl, fmt.Errorf("invalid log.level %q: %w", level, err)
	}
	return lvl, nil
}

// Manager handles configuration loading and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	cfg, err := load(v, configPath != "")
	if err != nil {
		return nil, err
	}

	return &Manager{
		viper:      v,
		configPath: configPath,
		current:    cfg,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}, nil
}

// WatchConfig reloads the file on change. An invalid file keeps the previous
// configuration. Without a config file there is nothing to watch.
func (m *Manager) WatchConfig() {
	if m.configPath == "" {
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))

		cfg, err := load(m.viper, true)
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded")

		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange signals after a successful reload.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
