// internal/transport/serial.go
package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// serialPort is the subset of serial.Port the transport uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type serialOpener func(name string, mode *serial.Mode) (serialPort, error)

func openSerialPort(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// serialTransport speaks Modbus RTU on a local RS-485 port.
type serialTransport struct {
	cfg  Config
	open serialOpener
	log  zerolog.Logger

	port     serialPort
	lastSent time.Time
}

func newSerial(cfg Config, log zerolog.Logger) *serialTransport {
	return &serialTransport{
		cfg:  cfg,
		open: openSerialPort,
		log:  log.With().Str("transport", "serial").Str("port", cfg.Port).Logger(),
	}
}

func (t *serialTransport) Framing() codec.Framing { return codec.RTU }

func (t *serialTransport) Open(ctx context.Context) error {
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: open %s: %w", domain.ErrConnection, t.cfg.Port, err)
	}

	mode, err := serialMode(t.cfg)
	if err != nil {
		return err
	}

	p, err := t.open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", domain.ErrConnection, t.cfg.Port, err)
	}
	t.port = p

	t.log.Info().
		Int("baud", mode.BaudRate).
		Int("data_bits", mode.DataBits).
		Msg("serial port opened")
	return nil
}

func (t *serialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.log.Info().Msg("serial port closed")
	return err
}

func (t *serialTransport) Exchange(ctx context.Context, adu []byte) ([]byte, error) {
	if t.port == nil {
		return nil, errNotOpen
	}
	dl := deadline(ctx, t.cfg.Timeout)

	// RTU frames are delimited by silence on the line
	if gap := silentInterval(t.cfg.BaudRate) - time.Since(t.lastSent); gap > 0 {
		time.Sleep(gap)
	}

	// a late answer to a previous request must not be taken for this one
	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, t.fail("flush", err)
	}
	if _, err := t.port.Write(adu); err != nil {
		return nil, t.fail("write", err)
	}

	res, err := readRTUFrame(t, dl)
	t.lastSent = time.Now()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *serialTransport) readChunk(p []byte, dl time.Time) (int, error) {
	wait := time.Until(dl)
	if wait <= 0 {
		return 0, nil
	}
	if err := t.port.SetReadTimeout(wait); err != nil {
		return 0, t.fail("set timeout", err)
	}
	n, err := t.port.Read(p)
	if err != nil {
		return n, t.fail("read", err)
	}
	return n, nil
}

// fail classifies a port error. Port errors mean the device node is gone
// or unusable, so the port is dropped.
func (t *serialTransport) fail(op string, err error) error {
	err = classify(op, err, domain.ErrConnection)
	if domain.KindOf(err) == domain.KindConnection {
		t.log.Warn().Err(err).Msg("serial port failed")
		_ = t.Close()
	}
	return err
}

func serialMode(cfg Config) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch cfg.Parity {
	case "", "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("%w: parity %q", domain.ErrConfig, cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", domain.ErrConfig, cfg.StopBits)
	}

	return mode, nil
}
