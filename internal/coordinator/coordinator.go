// internal/coordinator/coordinator.go
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/benck/ha-medole/internal/domain"
	"github.com/benck/ha-medole/internal/logging"
	"github.com/benck/ha-medole/internal/metrics"
	"github.com/benck/ha-medole/internal/registers"
	"github.com/benck/ha-medole/internal/status"
	"github.com/benck/ha-medole/internal/transport"
)

// Coordinator owns one Modbus connection. A single worker goroutine owns
// the transport, so at most one request is ever outstanding on the bus.
// Polls and writes are both queued to that worker; readers of the
// current state never touch the bus.
type Coordinator struct {
	cfg     Config
	regs    *registers.Map
	tr      transport.Transport
	log     zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time
	breaker *gobreaker.CircuitBreaker

	snapshot atomic.Pointer[status.Snapshot]

	healthMu sync.RWMutex
	health   status.Health

	requests chan request
	done     chan struct{}
	stopOnce sync.Once

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped bool

	subsMu  sync.Mutex
	subs    map[int]chan status.Snapshot
	nextSub int
	closed  bool

	// worker-owned
	open bool
	tid  uint16
}

// New creates a coordinator. It does not touch the transport; call Run
// (or use Start) to begin.
func New(cfg Config, regs *registers.Map, tr transport.Transport, opts ...Option) (*Coordinator, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	if regs == nil || tr == nil {
		return nil, fmt.Errorf("%w: coordinator: register map and transport required", domain.ErrConfig)
	}

	o := options{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		cfg:      cfg,
		regs:     regs,
		tr:       tr,
		log:      logging.WithDevice(o.logger, cfg.Name),
		metrics:  o.metrics,
		now:      o.now,
		requests: make(chan request, cfg.QueueSize),
		done:     make(chan struct{}),
		subs:     make(map[int]chan status.Snapshot),
	}
	c.breaker = c.newBreaker()

	boot := status.NewSnapshot(nil, time.Time{}, false)
	c.snapshot.Store(&boot)
	c.health = status.Health{State: status.Disconnected, Since: c.now()}

	return c, nil
}

func (c *Coordinator) newBreaker() *gobreaker.CircuitBreaker {
	cooldown := c.cfg.ReconnectCooldown
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.cfg.Name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cooldown > 0 && counts.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("reconnect breaker state changed")
		},
	})
}

// Run starts the worker. It returns immediately; Stop (or cancelling ctx)
// ends it. Run on a running or stopped coordinator does nothing.
func (c *Coordinator) Run(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil || c.stopped {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// ---- READ SIDE ----

// CurrentState returns the last published snapshot. Never blocks.
func (c *Coordinator) CurrentState() status.Snapshot {
	return *c.snapshot.Load()
}

// Health returns the current connection health.
func (c *Coordinator) Health() status.Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

// Name returns the device name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// RegisterMap returns the register map the coordinator polls.
func (c *Coordinator) RegisterMap() *registers.Map { return c.regs }

// Subscribe returns a channel receiving every published snapshot. The
// channel holds only the latest snapshot, so a slow consumer misses
// intermediate ones but never blocks the worker. cancel releases it.
func (c *Coordinator) Subscribe() (<-chan status.Snapshot, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	ch := make(chan status.Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// ---- WRITE SIDE ----

// SubmitWrite validates a write command against the register map and, if
// valid, executes it ahead of the next scheduled poll. Validation errors
// are returned before any bus activity. A transport failure wraps
// domain.ErrConnection; a device exception is returned as is. Writes are
// never retried.
func (c *Coordinator) SubmitWrite(ctx context.Context, name string, value any) error {
	w, err := c.regs.PrepareWrite(name, value)
	if err != nil {
		c.metrics.RecordWrite(c.cfg.Name, domain.KindOf(err))
		return err
	}
	return c.submit(ctx, request{ctx: ctx, write: &w})
}

// PollNow runs a poll cycle through the same queue as writes and waits for
// it. The returned error is the cycle's failure, if any.
func (c *Coordinator) PollNow(ctx context.Context) error {
	return c.submit(ctx, request{ctx: ctx})
}

func (c *Coordinator) submit(ctx context.Context, req request) error {
	req.done = make(chan error, 1)

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// the worker checks req.ctx before touching the bus
		return ctx.Err()
	case <-c.done:
		// the worker may have answered just before exiting
		select {
		case err := <-req.done:
			return err
		default:
			return domain.ErrStopped
		}
	}
}

// Stop cancels the worker and waits for it. An exchange already on the
// wire completes (or times out) first; queued requests fail with
// domain.ErrStopped. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.runMu.Lock()
		c.stopped = true
		cancel := c.cancel
		c.runMu.Unlock()

		if cancel == nil {
			// never started
			close(c.done)
			c.closeSubscribers()
			return
		}
		cancel()
		<-c.done
	})
}

// Done is closed once the worker has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// ---- PUBLISHING ----

// publish swaps in a new snapshot and notifies subscribers.
func (c *Coordinator) publish(s status.Snapshot) {
	c.snapshot.Store(&s)
	c.metrics.UpdateHealth(c.cfg.Name, c.Health().ConsecutiveFailures, s.Online())

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.closed = true
}

func (c *Coordinator) setHealth(h status.Health) {
	c.healthMu.Lock()
	prev := c.health
	if h.State != prev.State {
		h.Since = c.now()
	} else {
		h.Since = prev.Since
	}
	c.health = h
	c.healthMu.Unlock()

	if h.State == prev.State {
		return
	}
	ev := c.log.Info()
	if h.State != status.Connected {
		ev = c.log.Warn()
	}
	ev.Str("from", prev.State.String()).
		Str("to", h.State.String()).
		Int("consecutive_failures", h.ConsecutiveFailures).
		Msg("connection health changed")
}
