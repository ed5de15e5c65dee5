// internal/transport/rtuovertcp.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// rtuOverTCPTransport carries RTU frames (with CRC) over a TCP socket,
// as serial device servers do.
type rtuOverTCPTransport struct {
	cfg Config
	log zerolog.Logger

	conn net.Conn
}

func newRTUOverTCP(cfg Config, log zerolog.Logger) *rtuOverTCPTransport {
	return &rtuOverTCPTransport{
		cfg: cfg,
		log: log.With().Str("transport", "rtuovertcp").Str("address", cfg.Address).Logger(),
	}
}

func (t *rtuOverTCPTransport) Framing() codec.Framing { return codec.RTU }

func (t *rtuOverTCPTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", domain.ErrConnection, t.cfg.Address, err)
	}
	t.conn = conn
	t.log.Info().Msg("connected")
	return nil
}

func (t *rtuOverTCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.log.Info().Msg("disconnected")
	return err
}

func (t *rtuOverTCPTransport) Exchange(ctx context.Context, adu []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, errNotOpen
	}
	dl := deadline(ctx, t.cfg.Timeout)

	if err := t.drain(); err != nil {
		return nil, err
	}

	if err := t.conn.SetWriteDeadline(dl); err != nil {
		return nil, t.fail("set deadline", err)
	}
	if _, err := t.conn.Write(adu); err != nil {
		return nil, t.fail("write", err)
	}

	return readRTUFrame(t, dl)
}

// drain discards stale bytes from an earlier, timed-out exchange.
func (t *rtuOverTCPTransport) drain() error {
	var scratch [rtuMaxADU]byte
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return t.fail("set deadline", err)
		}
		n, err := t.conn.Read(scratch[:])
		if n > 0 {
			t.log.Debug().Int("bytes", n).Msg("discarded stale bytes")
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			return t.fail("drain", err)
		}
	}
}

func (t *rtuOverTCPTransport) readChunk(p []byte, dl time.Time) (int, error) {
	if err := t.conn.SetReadDeadline(dl); err != nil {
		return 0, t.fail("set deadline", err)
	}
	n, err := t.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, t.fail("read", err)
	}
	return n, nil
}

// fail classifies err and drops the socket when it is no longer usable.
func (t *rtuOverTCPTransport) fail(op string, err error) error {
	err = classify(op, err, domain.ErrConnection)
	if domain.KindOf(err) == domain.KindConnection {
		t.log.Warn().Err(err).Msg("connection lost")
		_ = t.Close()
	}
	return err
}
