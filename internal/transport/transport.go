// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// Transport owns one physical or network connection and exchanges raw
// ADUs over it. It knows nothing about Modbus beyond frame boundaries.
//
// Implementations are not safe for concurrent Exchange calls; the
// coordinator is the single caller.
type Transport interface {
	// Open acquires the connection. Errors wrap domain.ErrConnection.
	Open(ctx context.Context) error

	// Close releases the connection. Safe to call when not open.
	Close() error

	// Exchange writes one request and blocks for one complete response,
	// bounded by ctx's deadline (or the configured timeout).
	// A silent device yields domain.ErrTimeout, a partial or garbled
	// response domain.ErrFrame, a broken connection domain.ErrConnection.
	Exchange(ctx context.Context, adu []byte) ([]byte, error)

	// Framing is the ADU wrapper this transport carries.
	Framing() codec.Framing
}

// Kind selects the transport implementation.
type Kind string

const (
	Serial     Kind = "serial"
	TCP        Kind = "tcp"
	RTUOverTCP Kind = "rtuovertcp"
)

// Config is the immutable connection description of one transport.
type Config struct {
	Kind Kind

	// serial
	Port     string
	BaudRate int
	DataBits int
	Parity   string // N, E, O
	StopBits int

	// tcp / rtuovertcp
	Address string // host:port

	Timeout time.Duration
}

// Option configures a transport.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an unopened transport for cfg.
func New(cfg Config, opts ...Option) (Transport, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	switch cfg.Kind {
	case Serial:
		if cfg.Port == "" {
			return nil, fmt.Errorf("%w: serial port required", domain.ErrConfig)
		}
		return newSerial(cfg, o.logger), nil
	case TCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("%w: tcp address required", domain.ErrConfig)
		}
		return newTCP(cfg, o.logger), nil
	case RTUOverTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("%w: tcp address required", domain.ErrConfig)
		}
		return newRTUOverTCP(cfg, o.logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", domain.ErrConfig, cfg.Kind)
	}
}

// ---- helpers ----

var errNotOpen = fmt.Errorf("%w: transport not open", domain.ErrConnection)

// deadline returns the earlier of ctx's deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// classify maps an IO error onto the domain taxonomy.
// Errors already carrying a domain kind pass through; unknown errors
// take fallback.
func classify(op string, err error, fallback error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindOther {
		return err
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", domain.ErrTimeout, op, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %s: %w", domain.ErrConnection, op, err)
	}

	var oe *net.OpError
	if errors.As(err, &oe) {
		return fmt.Errorf("%w: %s: %w", domain.ErrConnection, op, err)
	}
	return fmt.Errorf("%w: %s: %w", fallback, op, err)
}
