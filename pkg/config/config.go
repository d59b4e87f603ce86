package config

import "time"

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type BackendConfig struct {
	URL           string        `mapstructure:"url"`
	ChargePointID string        `mapstructure:"charge_point_id"`
	Subprotocol   string        `mapstructure:"subprotocol"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type IdentityConfig struct {
	Vendor          string `mapstructure:"vendor"`
	Model           string `mapstructure:"model"`
	SerialNumber    string `mapstructure:"serial_number"`
	FirmwareVersion string `mapstructure:"firmware_version"`
}

type EngineConfig struct {
	ConnectorCount     int           `mapstructure:"connector_count"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MeterValueInterval time.Duration `mapstructure:"meter_value_interval"`
}

// PolicyConfig describes one retry policy class.
type PolicyConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Backoff     string        `mapstructure:"backoff"` // fixed or exponential
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

type RetryConfig struct {
	Status      PolicyConfig `mapstructure:"status"`
	Transaction PolicyConfig `mapstructure:"transaction"`
	Boot        PolicyConfig `mapstructure:"boot"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}
