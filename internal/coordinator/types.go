// internal/coordinator/types.go
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/metrics"
	"github.com/benck/ha-medole/internal/registers"
	"github.com/benck/ha-medole/internal/transport"
)

// Config is the runtime config one coordinator needs.
type Config struct {
	Name    string
	SlaveID byte

	// PollInterval <= 0 disables the ticker; polls then only run on PollNow.
	PollInterval time.Duration

	// Timeout bounds one exchange and one transport open.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts for a span read that
	// failed transiently. Writes are never retried.
	MaxRetries   int
	RetryBackoff time.Duration

	// FailureThreshold consecutive failed cycles mark the device Disconnected.
	FailureThreshold int

	// ReconnectCooldown is how long repeated open failures suppress further
	// open attempts. Zero disables the breaker.
	ReconnectCooldown time.Duration

	// QueueSize bounds pending write / poll requests.
	QueueSize int
}

const (
	defaultTimeout          = time.Second
	defaultRetries          = 2
	defaultRetryBackoff     = 200 * time.Millisecond
	defaultFailureThreshold = 3
	defaultQueueSize        = 16

	maxRetryDelay = 10 * time.Second

	// open failures in a row before the breaker opens
	breakerTrips = 3
)

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("coordinator: name required")
	}
	if c.SlaveID < 1 || c.SlaveID > 247 {
		return errors.New("coordinator: slave id must be 1..247")
	}
	return nil
}

// ---- OPTIONS ----

// Option configures a coordinator.
type Option func(*options)

type options struct {
	logger    zerolog.Logger
	metrics   *metrics.Registry
	now       func() time.Time
	regs      *registers.Map
	transport transport.Transport
}

// WithLogger sets the logger. The device name is added to every event.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records poll, write and health metrics into m.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now for snapshot and health timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegisterMap overrides the register map named by the device config.
func WithRegisterMap(m *registers.Map) Option {
	return func(o *options) { o.regs = m }
}

// WithTransport overrides the transport built from the device config.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// ---- REQUESTS ----

// request is one unit of bus work handed to the worker.
// write == nil means a poll cycle.
type request struct {
	ctx   context.Context
	write *registers.Write
	done  chan error
}
