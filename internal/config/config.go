package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the reporting daemon
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AdminPort int    `mapstructure:"admin_port"`
}

// DatabaseConfig points at the TimescaleDB instance holding the raw
// pulse-counter samples.
type DatabaseConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Name              string `mapstructure:"name"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	SSLMode           string `mapstructure:"ssl_mode"`
	MaxConnections    int    `mapstructure:"max_connections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout"`
}

// LedgerConfig locates the SQLite database tracking report requests.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

type ReportingConfig struct {
	Measurement    string        `mapstructure:"measurement"`
	Interval       time.Duration `mapstructure:"interval"`
	Schedule       string        `mapstructure:"schedule"`
	WebServerURL   string        `mapstructure:"web_server_url"`
	EmailAddress   string        `mapstructure:"email_address"`
	GPSLocation    string        `mapstructure:"gps_location"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBacklog     int           `mapstructure:"max_backlog_per_tick"`
	PulsesPerKWh   float64       `mapstructure:"pulses_per_kwh"`
	MaxPowerWatts  float64       `mapstructure:"max_power_watts"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	expanded := os.ExpandEnv(string(data))
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50051)
	v.SetDefault("server.admin_port", 9090)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.connection_timeout", 5)

	v.SetDefault("ledger.path", "reporting.db")

	// Defaults mirror the EmonTx deployment this service was written
	// for: daily reports, 15 kW plausibility ceiling.
	v.SetDefault("reporting.measurement", "emontx3")
	v.SetDefault("reporting.interval", "24h")
	v.SetDefault("reporting.schedule", "*/5 * * * *")
	v.SetDefault("reporting.gps_location", "0.0,0.0")
	v.SetDefault("reporting.request_timeout", "30s")
	v.SetDefault("reporting.max_backlog_per_tick", 10)
	v.SetDefault("reporting.pulses_per_kwh", 1000)
	v.SetDefault("reporting.max_power_watts", 15000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) validate() error {
	if c.Reporting.WebServerURL == "" {
		return fmt.Errorf("reporting.web_server_url is required")
	}
	if c.Reporting.EmailAddress == "" {
		return fmt.Errorf("reporting.email_address is required")
	}
	if c.Reporting.Interval <= 0 {
		return fmt.Errorf("reporting.interval must be positive")
	}
	if c.Reporting.PulsesPerKWh <= 0 {
		return fmt.Errorf("reporting.pulses_per_kwh must be positive")
	}
	if c.Reporting.MaxBacklog <= 0 {
		return fmt.Errorf("reporting.max_backlog_per_tick must be positive")
	}
	return nil
}
