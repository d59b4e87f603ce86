package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/chargepointd")

	viper.SetEnvPrefix("CPD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Allow common env vars without the CPD_ prefix for fleet provisioning
	viper.BindEnv("backend.url", "BACKEND_URL", "CPD_BACKEND_URL")
	viper.BindEnv("backend.charge_point_id", "CHARGE_POINT_ID", "CPD_BACKEND_CHARGE_POINT_ID")
	viper.BindEnv("storage.dir", "STORAGE_DIR", "CPD_STORAGE_DIR")
	viper.BindEnv("nats.url", "NATS_URL", "CPD_NATS_URL")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults plus env vars.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "chargepointd")
	viper.SetDefault("app.version", "dev")
	viper.SetDefault("app.environment", "production")

	viper.SetDefault("backend.url", "ws://localhost:8887/ocpp")
	viper.SetDefault("backend.charge_point_id", "CP001")
	viper.SetDefault("backend.subprotocol", "ocpp1.6")
	viper.SetDefault("backend.dial_timeout", "10s")
	viper.SetDefault("backend.reconnect_wait", "5s")

	viper.SetDefault("identity.vendor", "VoltGrid")
	viper.SetDefault("identity.model", "VG-AC22")
	viper.SetDefault("identity.serial_number", "VG000000")
	viper.SetDefault("identity.firmware_version", "dev")

	viper.SetDefault("engine.connector_count", 2)
	viper.SetDefault("engine.tick_interval", "100ms")
	viper.SetDefault("engine.meter_value_interval", "60s")

	viper.SetDefault("retry.status.max_attempts", 3)
	viper.SetDefault("retry.status.timeout", "10s")
	viper.SetDefault("retry.status.backoff", "fixed")
	viper.SetDefault("retry.transaction.max_attempts", 10)
	viper.SetDefault("retry.transaction.timeout", "30s")
	viper.SetDefault("retry.transaction.backoff", "exponential")
	viper.SetDefault("retry.transaction.max_interval", "5m")
	viper.SetDefault("retry.boot.max_attempts", 0)
	viper.SetDefault("retry.boot.timeout", "30s")
	viper.SetDefault("retry.boot.backoff", "fixed")

	viper.SetDefault("storage.dir", "./data")

	viper.SetDefault("prometheus.enabled", true)
	viper.SetDefault("prometheus.port", 9464)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)
}
