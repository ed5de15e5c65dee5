// internal/config/load.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/benck/ha-medole/internal/domain"
)

// Load reads the service configuration from path (or the default search
// paths when empty) and MEDOLE_* environment variables, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("medole")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/medole")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfig, err)
		}
		// No file: defaults and env vars only. Validate reports the missing devices.
	}

	v.SetEnvPrefix("MEDOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %w", domain.ErrConfig, err)
	}

	Normalize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// HTTP
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":9108")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "medole")
	v.SetDefault("mqtt.topic_prefix", "medole")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
}

// bindEnvVars binds the unprefixed conventional names next to the
// MEDOLE_* ones. The first name found wins.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("logging.level", "MEDOLE_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "MEDOLE_LOGGING_FORMAT", "LOG_FORMAT")

	_ = v.BindEnv("mqtt.broker_url", "MEDOLE_MQTT_BROKER_URL", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MEDOLE_MQTT_USERNAME", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MEDOLE_MQTT_PASSWORD", "MQTT_PASSWORD")
}
