// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/benck/ha-medole/internal/domain"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", domain.ErrConfig)
	}

	// ------------------------------------------------------------
	// SERVICE
	// ------------------------------------------------------------

	if cfg.HTTP.Enabled && cfg.HTTP.Listen == "" {
		return fmt.Errorf("%w: http.listen required when http is enabled", domain.ErrConfig)
	}
	if cfg.MQTT.Enabled {
		if cfg.MQTT.BrokerURL == "" {
			return fmt.Errorf("%w: mqtt.broker_url required when mqtt is enabled", domain.ErrConfig)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", domain.ErrConfig)
		}
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("%w: at least one device required", domain.ErrConfig)
	}

	// names become topic and metric labels, so they must be unique
	seen := make(map[string]int)
	for i, d := range cfg.Devices {
		if err := ValidateDevice(d); err != nil {
			return err
		}
		if prev, exists := seen[d.Name]; exists {
			return fmt.Errorf("%w: devices[%d] and devices[%d] share name %q", domain.ErrConfig, prev, i, d.Name)
		}
		seen[d.Name] = i
	}

	return nil
}

// ValidateDevice checks one device entry. Defaults must already be applied.
func ValidateDevice(d Device) error {
	if d.Name == "" {
		return fmt.Errorf("%w: device name required", domain.ErrConfig)
	}

	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: device %q: %s", domain.ErrConfig, d.Name, fmt.Sprintf(format, args...))
	}

	switch d.ConnectionType {
	case ConnSerial:
		if d.SerialPort == "" {
			return fail("serial_port required for serial connection")
		}
		if d.Baudrate < 1200 || d.Baudrate > 115200 {
			return fail("baudrate %d outside 1200..115200", d.Baudrate)
		}
		if d.Bytesize < 5 || d.Bytesize > 8 {
			return fail("bytesize %d outside 5..8", d.Bytesize)
		}
		switch d.Parity {
		case "N", "E", "O":
		default:
			return fail("parity %q must be N, E or O", d.Parity)
		}
		if d.Stopbits != 1 && d.Stopbits != 2 {
			return fail("stopbits %d must be 1 or 2", d.Stopbits)
		}

	case ConnTCP, ConnRTUOverTCP:
		if d.Host == "" {
			return fail("host required for %s connection", d.ConnectionType)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fail("port %d outside 1..65535", d.Port)
		}

	case "":
		return fail("connection_type required")
	default:
		return fail("unknown connection_type %q", d.ConnectionType)
	}

	if d.SlaveID < 1 || d.SlaveID > 247 {
		return fail("slave_id %d outside 1..247", d.SlaveID)
	}
	if d.Timeout <= 0 {
		return fail("timeout must be > 0")
	}
	if d.Retries != nil && *d.Retries < 0 {
		return fail("retries must be >= 0")
	}
	if d.RetryBackoff != nil && *d.RetryBackoff < 0 {
		return fail("retry_backoff must be >= 0")
	}
	if d.FailureThreshold < 1 {
		return fail("failure_threshold must be >= 1")
	}
	if d.ReconnectCooldown != nil && *d.ReconnectCooldown < 0 {
		return fail("reconnect_cooldown must be >= 0")
	}

	return nil
}
