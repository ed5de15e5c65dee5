// internal/coordinator/builder.go
package coordinator

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/config"
	"github.com/benck/ha-medole/internal/registers"
	"github.com/benck/ha-medole/internal/transport"
)

// Start validates a device config, builds its register map and transport
// and starts a coordinator for it. A ConfigError is returned before any
// connection is attempted. Failing to reach the device is not an error:
// the coordinator starts Disconnected and keeps trying.
func Start(ctx context.Context, dev config.Device, opts ...Option) (*Coordinator, error) {
	config.NormalizeDevice(&dev)
	if err := config.ValidateDevice(dev); err != nil {
		return nil, err
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	regs := o.regs
	if regs == nil {
		var err error
		if regs, err = registerMap(dev.RegisterMap); err != nil {
			return nil, err
		}
	}

	tr := o.transport
	if tr == nil {
		var err error
		if tr, err = transport.New(TransportConfig(dev), transport.WithLogger(o.logger)); err != nil {
			return nil, err
		}
	}

	c, err := New(Build(dev), regs, tr, opts...)
	if err != nil {
		return nil, err
	}
	c.Run(ctx)
	return c, nil
}

// Build maps a normalized device config onto coordinator tuning.
func Build(dev config.Device) Config {
	retries := config.DefaultRetries
	if dev.Retries != nil {
		retries = *dev.Retries
	}
	backoff := config.DefaultRetryBackoff
	if dev.RetryBackoff != nil {
		backoff = *dev.RetryBackoff
	}
	cooldown := config.DefaultReconnectCooldown
	if dev.ReconnectCooldown != nil {
		cooldown = *dev.ReconnectCooldown
	}
	return Config{
		Name:              dev.Name,
		SlaveID:           byte(dev.SlaveID),
		PollInterval:      dev.PollInterval,
		Timeout:           dev.Timeout,
		MaxRetries:        retries,
		RetryBackoff:      backoff,
		FailureThreshold:  dev.FailureThreshold,
		ReconnectCooldown: cooldown,
	}
}

// TransportConfig maps a device config onto its transport.
func TransportConfig(dev config.Device) transport.Config {
	cfg := transport.Config{Timeout: dev.Timeout}

	switch dev.ConnectionType {
	case config.ConnSerial:
		cfg.Kind = transport.Serial
		cfg.Port = dev.SerialPort
		cfg.BaudRate = dev.Baudrate
		cfg.DataBits = dev.Bytesize
		cfg.Parity = dev.Parity
		cfg.StopBits = dev.Stopbits
	case config.ConnRTUOverTCP:
		cfg.Kind = transport.RTUOverTCP
		cfg.Address = net.JoinHostPort(dev.Host, strconv.Itoa(dev.Port))
	default:
		cfg.Kind = transport.TCP
		cfg.Address = net.JoinHostPort(dev.Host, strconv.Itoa(dev.Port))
	}
	return cfg
}

func registerMap(path string) (*registers.Map, error) {
	if path == "" {
		return registers.Medole()
	}
	return registers.LoadFile(path)
}
