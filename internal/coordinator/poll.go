// internal/coordinator/poll.go
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/benck/ha-medole/internal/codec"
	"github.com/benck/ha-medole/internal/domain"
	"github.com/benck/ha-medole/internal/registers"
	"github.com/benck/ha-medole/internal/status"
)

// pollCycle reads every span of the register map.
// All-or-nothing: a failed mandatory span publishes nothing new.
func (c *Coordinator) pollCycle(ctx context.Context) error {
	start := time.Now()
	at := c.now()

	values := make(map[string]any)
	var cycleErr error

	for _, span := range c.regs.Spans() {
		// stopped mid-cycle: no new exchange, no snapshot
		if ctx.Err() != nil {
			cycleErr = domain.ErrStopped
			break
		}
		vals, err := c.readSpan(ctx, span)
		if err != nil {
			if span.Optional && errors.Is(err, domain.ErrDeviceException) {
				// firmware without these registers
				c.log.Debug().
					Uint16("start", span.Start).
					Uint16("count", span.Count).
					Err(err).
					Msg("optional span unavailable")
				continue
			}
			cycleErr = err
			break
		}
		for k, v := range vals {
			values[k] = v
		}
	}

	if errors.Is(cycleErr, domain.ErrStopped) {
		return cycleErr
	}

	c.metrics.RecordPoll(c.cfg.Name, cycleErr == nil, time.Since(start))

	if cycleErr != nil {
		c.cycleFailed(cycleErr)
		return cycleErr
	}
	c.cycleSucceeded(values, at)
	return nil
}

// readSpan reads one span, retrying transient failures with backoff.
func (c *Coordinator) readSpan(ctx context.Context, span registers.Span) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.metrics.RecordRetry(c.cfg.Name)
			c.log.Debug().
				Uint16("start", span.Start).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying span read")

			select {
			case <-ctx.Done():
				return nil, domain.ErrStopped
			case <-time.After(delay):
			}
		}

		vals, err := c.readOnce(span)
		if err == nil {
			return vals, nil
		}
		if !domain.IsTransient(err) || attempt >= c.cfg.MaxRetries {
			return nil, err
		}
	}
}

func (c *Coordinator) readOnce(span registers.Span) (map[string]any, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	target := c.nextTarget()
	adu, err := codec.EncodeReadRequest(target, span.Function(), span.Start, span.Count)
	if err != nil {
		return nil, err
	}

	res, err := c.exchange(adu)
	if err != nil {
		return nil, err
	}

	resp, err := codec.DecodeResponse(target, res, span.Function())
	if err != nil {
		c.metrics.RecordExchangeError(c.cfg.Name, domain.KindOf(err))
		return nil, err
	}
	return c.regs.DecodeSpan(span, resp.Registers)
}

// backoff returns RetryBackoff doubled per attempt, capped.
func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if delay > maxRetryDelay || delay < 0 {
		delay = maxRetryDelay
	}
	return delay
}

// ---- OUTCOMES ----

func (c *Coordinator) cycleSucceeded(values map[string]any, at time.Time) {
	c.setHealth(status.Health{
		State:       status.Connected,
		LastSuccess: at,
	})
	c.publish(status.NewSnapshot(values, at, true))
}

// cycleFailed degrades health. At the threshold the device is marked
// Disconnected, the last values are republished offline and the transport
// is reopened before the next cycle.
func (c *Coordinator) cycleFailed(err error) {
	prev := c.Health()

	h := status.Health{
		State:               status.Degraded,
		ConsecutiveFailures: prev.ConsecutiveFailures + 1,
		LastError:           domain.KindOf(err),
		LastErrorMessage:    err.Error(),
		LastSuccess:         prev.LastSuccess,
	}
	// never connected yet: stay Disconnected rather than "degraded"
	if h.ConsecutiveFailures >= c.cfg.FailureThreshold || (prev.State == status.Disconnected && prev.LastSuccess.IsZero()) {
		h.State = status.Disconnected
	}
	c.setHealth(h)

	c.log.Warn().
		Str("kind", h.LastError.String()).
		Int("consecutive_failures", h.ConsecutiveFailures).
		Err(err).
		Msg("poll cycle failed")

	if h.State != status.Disconnected {
		c.metrics.UpdateHealth(c.cfg.Name, h.ConsecutiveFailures, c.CurrentState().Online())
		return
	}

	if cur := c.CurrentState(); cur.Online() {
		c.publish(cur.WithOnline(false))
	} else {
		c.metrics.UpdateHealth(c.cfg.Name, h.ConsecutiveFailures, false)
	}

	if h.ConsecutiveFailures >= c.cfg.FailureThreshold {
		c.dropTransport()
		if err := c.ensureOpen(); err != nil {
			c.log.Debug().Err(err).Msg("reconnect failed, retrying next cycle")
		}
	}
}
