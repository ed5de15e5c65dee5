// internal/transport/tcp.go
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// tcpTransport carries Modbus TCP (MBAP) frames. The goburrow handler
// owns the socket and MBAP length framing; the caller owns the ADU bytes,
// so transaction ids are checked by the codec.
type tcpTransport struct {
	cfg Config
	log zerolog.Logger

	handler *modbus.TCPClientHandler
}

func newTCP(cfg Config, log zerolog.Logger) *tcpTransport {
	return &tcpTransport{
		cfg: cfg,
		log: log.With().Str("transport", "tcp").Str("address", cfg.Address).Logger(),
	}
}

func (t *tcpTransport) Framing() codec.Framing { return codec.TCP }

func (t *tcpTransport) Open(ctx context.Context) error {
	if t.handler != nil {
		return nil
	}

	h := modbus.NewTCPClientHandler(t.cfg.Address)
	h.Timeout = t.cfg.Timeout
	h.IdleTimeout = 0 // the coordinator decides when to close

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- h.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return fmt.Errorf("%w: dial %s: %w", domain.ErrConnection, t.cfg.Address, err)
		}
	case <-ctx.Done():
		go func() {
			if <-connectDone == nil {
				_ = h.Close()
			}
		}()
		return fmt.Errorf("%w: dial %s: %w", domain.ErrConnection, t.cfg.Address, ctx.Err())
	}

	t.handler = h
	t.log.Info().Msg("connected")
	return nil
}

func (t *tcpTransport) Close() error {
	if t.handler == nil {
		return nil
	}
	err := t.handler.Close()
	t.handler = nil
	t.log.Info().Msg("disconnected")
	return err
}

func (t *tcpTransport) Exchange(ctx context.Context, adu []byte) ([]byte, error) {
	if t.handler == nil {
		return nil, errNotOpen
	}

	wait := time.Until(deadline(ctx, t.cfg.Timeout))
	if wait <= 0 {
		return nil, fmt.Errorf("%w: deadline passed before send", domain.ErrTimeout)
	}
	t.handler.Timeout = wait

	res, err := t.handler.Send(adu)
	if err != nil {
		err = classify("exchange", err, domain.ErrFrame)
		// a late response would be read as the answer to the next request;
		// the handler redials on the next Send
		t.log.Debug().Err(err).Msg("exchange failed, resetting socket")
		_ = t.handler.Close()
		return nil, err
	}

	out := make([]byte, len(res))
	copy(out, res)
	return out, nil
}
