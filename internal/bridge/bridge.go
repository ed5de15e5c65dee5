// internal/bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/dehumidifier"
	"github.com/benck/ha-medole/internal/logging"
	"github.com/benck/ha-medole/internal/metrics"
	"github.com/benck/ha-medole/internal/status"
)

// Device is what the bridge needs from a coordinator.
type Device interface {
	Name() string
	CurrentState() status.Snapshot
	Health() status.Health
	Subscribe() (<-chan status.Snapshot, func())
	SubmitWrite(ctx context.Context, name string, value any) error
	PollNow(ctx context.Context) error
}

type Config struct {
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
	CommandTimeout time.Duration
	QueueSize      int
}

// Bridge mirrors coordinators onto MQTT topics and feeds commands back.
type Bridge struct {
	cli     Client
	cfg     Config
	topics  Topics
	log     zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

func New(cli Client, cfg Config, log zerolog.Logger, m *metrics.Registry) *Bridge {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Bridge{
		cli:     cli,
		cfg:     cfg,
		topics:  Topics{Prefix: cfg.TopicPrefix},
		log:     log.With().Str("component", "bridge").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Run publishes every snapshot of dev and serves its set/command topics
// until ctx is done or the device stops. The device is announced offline
// on the way out.
func (b *Bridge) Run(ctx context.Context, dev Device) error {
	name := dev.Name()
	d := &deviceBridge{
		Bridge:   b,
		dev:      dev,
		name:     name,
		log:      logging.WithDevice(b.log, name),
		needFull: true,
		cmds:     make(chan command, b.cfg.QueueSize),
	}

	updates, cancel := dev.Subscribe()
	defer cancel()

	if err := d.subscribe(); err != nil {
		return err
	}
	defer d.unsubscribe()

	cmdCtx, stopCommands := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.processCommands(cmdCtx)
	}()
	defer func() {
		stopCommands()
		wg.Wait()
	}()

	// current state first, so retained topics exist before the next poll
	d.publish(dev.CurrentState())

	for {
		select {
		case <-ctx.Done():
			d.goOffline()
			return nil
		case s, ok := <-updates:
			if !ok {
				d.goOffline()
				return nil
			}
			d.publish(s)
		}
	}
}

// ---- PER DEVICE ----

type deviceBridge struct {
	*Bridge
	dev  Device
	name string
	log  zerolog.Logger

	// publisher-owned
	needFull bool
	last     map[string]any
	online   string

	cmds chan command
}

type stateDocument struct {
	status.Document
	Dehumidifier dehumidifier.View `json:"dehumidifier"`
}

// publish mirrors one snapshot. The first publish, and the first after any
// failure, re-asserts every attribute topic; otherwise only changed
// attributes are sent.
func (d *deviceBridge) publish(s status.Snapshot) {
	var errs []string
	fail := func(what string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", what, err))
	}

	doc := stateDocument{
		Document:     status.NewDocument(s, d.dev.Health()),
		Dehumidifier: dehumidifier.FromSnapshot(s),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		fail("state", err)
	} else if err := d.send(d.topics.State(d.name), payload); err != nil {
		fail("state", err)
	}

	avail := payloadOffline
	if s.Online() {
		avail = payloadOnline
	}
	if d.needFull || avail != d.online {
		if err := d.send(d.topics.Availability(d.name), avail); err != nil {
			fail("availability", err)
		} else {
			d.online = avail
		}
	}

	values := s.Values()
	if d.needFull || d.last == nil {
		d.last = make(map[string]any, len(values))
	}
	for _, name := range sortedKeys(values) {
		v := values[name]
		if prev, ok := d.last[name]; ok && !d.needFull && prev == v {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			fail("attr "+name, err)
			continue
		}
		if err := d.send(d.topics.Attr(d.name, name), raw); err != nil {
			fail("attr "+name, err)
			continue
		}
		d.last[name] = v
	}

	if len(errs) > 0 {
		// any partial failure: re-assert everything next time
		d.needFull = true
		d.metrics.RecordPublish(d.name, false)
		d.log.Warn().Str("errors", strings.Join(errs, " | ")).Msg("publish failed")
		return
	}
	d.needFull = false
	d.metrics.RecordPublish(d.name, true)
}

func (d *deviceBridge) goOffline() {
	if err := d.send(d.topics.Availability(d.name), payloadOffline); err != nil {
		d.log.Debug().Err(err).Msg("offline announcement failed")
	}
}

func (d *deviceBridge) send(topic string, payload interface{}) error {
	return wait(d.cli.Publish(topic, d.cfg.QoS, true, payload), d.cfg.PublishTimeout)
}

func (d *deviceBridge) subscribe() error {
	topics := map[string]func(string, []byte){
		d.topics.Set(d.name, "+"): d.onSet,
		d.topics.Command(d.name):  d.onCommand,
	}
	for topic, h := range topics {
		h := h
		tok := d.cli.Subscribe(topic, d.cfg.QoS, messageHandler(h))
		if err := wait(tok, d.cfg.PublishTimeout); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		d.log.Debug().Str("topic", topic).Msg("subscribed")
	}
	return nil
}

func (d *deviceBridge) unsubscribe() {
	tok := d.cli.Unsubscribe(d.topics.Set(d.name, "+"), d.topics.Command(d.name))
	if err := wait(tok, d.cfg.PublishTimeout); err != nil {
		d.log.Debug().Err(err).Msg("unsubscribe failed")
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
