// internal/config/normalize.go
package config

import "strings"

// Normalize fills per-device defaults. Viper defaults do not reach into
// list entries, so this runs after unmarshalling and before Validate.
// It is allowed to mutate configuration.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	for i := range cfg.Devices {
		NormalizeDevice(&cfg.Devices[i])
	}
}

// NormalizeDevice fills the defaults of one device.
func NormalizeDevice(d *Device) {
	d.ConnectionType = strings.ToLower(strings.TrimSpace(d.ConnectionType))
	d.Parity = strings.ToUpper(strings.TrimSpace(d.Parity))

	// ------------------------------------------------------------
	// CONNECTION
	// ------------------------------------------------------------

	switch d.ConnectionType {
	case ConnSerial:
		if d.Baudrate == 0 {
			d.Baudrate = DefaultBaudrate
		}
		if d.Bytesize == 0 {
			d.Bytesize = DefaultBytesize
		}
		if d.Parity == "" {
			d.Parity = DefaultParity
		}
		if d.Stopbits == 0 {
			d.Stopbits = DefaultStopbits
		}
	case ConnTCP, ConnRTUOverTCP:
		if d.Port == 0 {
			d.Port = DefaultTCPPort
		}
	}

	// ------------------------------------------------------------
	// TIMING / TUNING
	// ------------------------------------------------------------

	if d.Timeout == 0 {
		d.Timeout = DefaultTimeout
	}
	if d.PollInterval == 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.Retries == nil {
		n := DefaultRetries
		d.Retries = &n
	}
	if d.RetryBackoff == nil {
		b := DefaultRetryBackoff
		d.RetryBackoff = &b
	}
	if d.FailureThreshold == 0 {
		d.FailureThreshold = DefaultFailureThreshold
	}
	if d.ReconnectCooldown == nil {
		c := DefaultReconnectCooldown
		d.ReconnectCooldown = &c
	}
}
