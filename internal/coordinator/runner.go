// internal/coordinator/runner.go
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
)

// run is the worker: the only goroutine that touches the transport.
// Queued requests are served before the ticker, so a write waits for at
// most the exchange or cycle already in progress.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer c.closeSubscribers()
	defer c.dropTransport()

	var tick <-chan time.Time
	if c.cfg.PollInterval > 0 {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C

		c.pollCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case req := <-c.requests:
			c.serve(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			c.drain()
			return
		case req := <-c.requests:
			c.serve(ctx, req)
		case <-tick:
			c.pollCycle(ctx)
		}
	}
}

func (c *Coordinator) serve(ctx context.Context, req request) {
	var err error
	if req.write != nil {
		err = c.execWrite(req)
	} else {
		err = c.pollCycle(ctx)
	}
	req.done <- err
}

// drain fails every queued request after cancellation.
func (c *Coordinator) drain() {
	for {
		select {
		case req := <-c.requests:
			req.done <- domain.ErrStopped
		default:
			return
		}
	}
}

// ---- WRITES ----

func (c *Coordinator) execWrite(req request) error {
	w := req.write
	name := w.Descriptor.Name

	// the caller gave up while queued: nothing reached the bus
	if err := req.ctx.Err(); err != nil {
		c.metrics.RecordWrite(c.cfg.Name, domain.KindOf(err))
		return err
	}

	err := c.writeOnce(w.Descriptor.Address, w.Registers)
	c.metrics.RecordWrite(c.cfg.Name, domain.KindOf(err))

	if err != nil {
		c.log.Warn().
			Str("attribute", name).
			Interface("value", w.Value).
			Str("kind", domain.KindOf(err).String()).
			Err(err).
			Msg("write failed")
		return err
	}

	c.log.Info().
		Str("attribute", name).
		Interface("value", w.Value).
		Msg("write applied")

	// reflect the command now instead of waiting for the next poll
	c.publish(c.CurrentState().WithValue(name, w.Value))
	return nil
}

func (c *Coordinator) writeOnce(address uint16, values []uint16) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}

	target := c.nextTarget()
	adu, err := codec.EncodeWriteRequest(target, address, values)
	if err != nil {
		return err
	}

	res, err := c.exchange(adu)
	if err != nil {
		return fmt.Errorf("%w: write 0x%04X: %w", domain.ErrConnection, address, err)
	}

	resp, err := codec.DecodeResponse(target, res, codec.WriteFunction(len(values)))
	if err == nil {
		err = codec.VerifyWriteEcho(resp, address, values)
	}
	if err != nil {
		if errors.Is(err, domain.ErrDeviceException) {
			return err
		}
		// the device may or may not have acted; report, never resend
		return fmt.Errorf("%w: write 0x%04X: %w", domain.ErrConnection, address, err)
	}
	return nil
}

// ---- TRANSPORT ----

func (c *Coordinator) nextTarget() codec.Target {
	c.tid++
	return codec.Target{
		Framing:       c.tr.Framing(),
		SlaveID:       c.cfg.SlaveID,
		TransactionID: c.tid,
	}
}

// exchange runs one request/response on the bus. The exchange is bounded
// by Timeout only, never by the worker's context, so Stop cannot cut a
// frame in half.
func (c *Coordinator) exchange(adu []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	res, err := c.tr.Exchange(ctx, adu)
	if err != nil {
		c.metrics.RecordExchangeError(c.cfg.Name, domain.KindOf(err))
		if domain.KindOf(err) == domain.KindConnection {
			c.dropTransport()
		}
		return nil, err
	}
	return res, nil
}

// ensureOpen opens the transport if needed. Open attempts go through the
// breaker: after repeated failures they are suppressed for the cooldown.
func (c *Coordinator) ensureOpen() error {
	if c.open {
		return nil
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		return nil, c.tr.Open(ctx)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: reconnect suppressed: %w", domain.ErrConnection, err)
	case err != nil:
		c.metrics.RecordReconnect(c.cfg.Name, false)
		c.log.Warn().Err(err).Msg("transport open failed")
		if !errors.Is(err, domain.ErrConnection) {
			err = fmt.Errorf("%w: %w", domain.ErrConnection, err)
		}
		return err
	}

	c.metrics.RecordReconnect(c.cfg.Name, true)
	c.open = true
	return nil
}

func (c *Coordinator) dropTransport() {
	if !c.open {
		return
	}
	if err := c.tr.Close(); err != nil {
		c.log.Debug().Err(err).Msg("transport close failed")
	}
	c.open = false
}
