// internal/bridge/bridge_test.go
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/domain"
	"github.com/benck/ha-medole/internal/status"
)

// ---- fakes ----

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu       sync.Mutex
	pubs     []published
	handlers map[string]mqtt.MessageHandler
	failOnce map[string]bool
	unsubbed []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers: make(map[string]mqtt.MessageHandler),
		failOnce: make(map[string]bool),
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnce[topic] {
		delete(c.failOnce, topic)
		return &fakeToken{err: errors.New("broker unavailable")}
	}
	var p string
	switch v := payload.(type) {
	case string:
		p = v
	case []byte:
		p = string(v)
	}
	c.pubs = append(c.pubs, published{topic, retained, p})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubbed = append(c.unsubbed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) deliver(filter, topic, payload string) {
	c.mu.Lock()
	h := c.handlers[filter]
	c.mu.Unlock()
	h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) snapshot() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]published, len(c.pubs))
	copy(out, c.pubs)
	return out
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = nil
}

type fakeDevice struct {
	mu     sync.Mutex
	state  status.Snapshot
	ch     chan status.Snapshot
	writes []string
	polls  int
	err    error
}

func newFakeDevice(values map[string]any) *fakeDevice {
	return &fakeDevice{
		state: status.NewSnapshot(values, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), true),
		ch:    make(chan status.Snapshot, 1),
	}
}

func (d *fakeDevice) Name() string { return "dehum" }
func (d *fakeDevice) CurrentState() status.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
func (d *fakeDevice) Health() status.Health { return status.Health{State: status.Connected} }
func (d *fakeDevice) Subscribe() (<-chan status.Snapshot, func()) {
	return d.ch, func() {}
}
func (d *fakeDevice) SubmitWrite(ctx context.Context, name string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, fmt.Sprintf("%s=%v", name, value))
	return d.err
}
func (d *fakeDevice) PollNow(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	return d.err
}

func (d *fakeDevice) written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// ---- helpers ----

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countTopic(pubs []published, topic string) int {
	n := 0
	for _, p := range pubs {
		if p.topic == topic {
			n++
		}
	}
	return n
}

func lastPayload(pubs []published, topic string) (string, bool) {
	for i := len(pubs) - 1; i >= 0; i-- {
		if pubs[i].topic == topic {
			return pubs[i].payload, true
		}
	}
	return "", false
}

// runBridge starts a bridge for dev; the returned func stops it and
// returns Run's error.
func runBridge(t *testing.T, cli *fakeClient, dev *fakeDevice) func() error {
	t.Helper()
	b := New(cli, Config{TopicPrefix: "medole", QoS: 1}, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, dev) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

// ---- tests ----

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "medole"}
	cases := map[string]string{
		tp.BridgeStatus():             "medole/bridge/status",
		tp.State("dehum"):             "medole/dehum/state",
		tp.Availability("dehum"):      "medole/dehum/availability",
		tp.Attr("dehum", "humidity1"): "medole/dehum/attr/humidity1",
		tp.Set("dehum", "+"):          "medole/dehum/set/+",
		tp.Command("dehum"):           "medole/dehum/command",
		tp.CommandResult("dehum"):     "medole/dehum/command/result",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("topic=%q want %q", got, want)
		}
	}
}

func TestPublish_FullThenIncremental(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(map[string]any{"humidity1": uint16(55), "power": true})
	runBridge(t, cli, dev)

	eventually(t, "initial publish", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/attr/power") == 1
	})

	pubs := cli.snapshot()
	if p, _ := lastPayload(pubs, "medole/dehum/availability"); p != "online" {
		t.Fatalf("availability=%q", p)
	}
	if p, _ := lastPayload(pubs, "medole/dehum/attr/humidity1"); p != "55" {
		t.Fatalf("humidity1 payload=%q", p)
	}
	state, ok := lastPayload(pubs, "medole/dehum/state")
	if !ok {
		t.Fatalf("no state published")
	}
	var doc struct {
		Online       bool           `json:"online"`
		Values       map[string]any `json:"values"`
		Dehumidifier struct {
			On     bool   `json:"is_on"`
			Action string `json:"action"`
		} `json:"dehumidifier"`
	}
	if err := json.Unmarshal([]byte(state), &doc); err != nil {
		t.Fatalf("state json: %v", err)
	}
	if !doc.Online || !doc.Dehumidifier.On || doc.Dehumidifier.Action != "idle" || doc.Values["humidity1"] != float64(55) {
		t.Fatalf("state=%s", state)
	}

	cli.reset()
	dev.ch <- status.NewSnapshot(map[string]any{"humidity1": uint16(54), "power": true}, time.Now(), true)

	eventually(t, "incremental publish", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/attr/humidity1") == 1
	})
	pubs = cli.snapshot()
	if n := countTopic(pubs, "medole/dehum/attr/power"); n != 0 {
		t.Fatalf("unchanged attribute republished %d times", n)
	}
	if n := countTopic(pubs, "medole/dehum/availability"); n != 0 {
		t.Fatalf("unchanged availability republished")
	}
	for _, p := range pubs {
		if !p.retained {
			t.Fatalf("%s not retained", p.topic)
		}
	}
}

func TestPublish_FailureReassertsFull(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(map[string]any{"humidity1": uint16(55), "power": true})
	runBridge(t, cli, dev)

	eventually(t, "initial publish", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/attr/power") == 1
	})

	cli.mu.Lock()
	cli.failOnce["medole/dehum/attr/humidity1"] = true
	cli.mu.Unlock()
	cli.reset()

	dev.ch <- status.NewSnapshot(map[string]any{"humidity1": uint16(50), "power": true}, time.Now(), true)
	eventually(t, "failed publish", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/state") == 1
	})
	time.Sleep(10 * time.Millisecond)

	cli.reset()
	dev.ch <- status.NewSnapshot(map[string]any{"humidity1": uint16(50), "power": true}, time.Now(), true)
	eventually(t, "full re-assert", func() bool {
		pubs := cli.snapshot()
		return countTopic(pubs, "medole/dehum/attr/power") == 1 &&
			countTopic(pubs, "medole/dehum/attr/humidity1") == 1 &&
			countTopic(pubs, "medole/dehum/availability") == 1
	})
}

func TestPublish_OfflineSnapshot(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(map[string]any{"power": true})
	runBridge(t, cli, dev)

	eventually(t, "initial publish", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/attr/power") == 1
	})

	dev.ch <- dev.CurrentState().WithOnline(false)
	eventually(t, "offline availability", func() bool {
		p, _ := lastPayload(cli.snapshot(), "medole/dehum/availability")
		return p == "offline"
	})
}

func TestRun_OfflineOnExit(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(map[string]any{"power": true})
	stop := runBridge(t, cli, dev)

	eventually(t, "initial publish", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/state") == 1
	})
	if err := stop(); err != nil {
		t.Fatalf("Run err=%v", err)
	}

	pubs := cli.snapshot()
	if last := pubs[len(pubs)-1]; last.topic != "medole/dehum/availability" || last.payload != "offline" {
		t.Fatalf("last publish=%+v", last)
	}
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if len(cli.unsubbed) != 2 {
		t.Fatalf("unsubscribed=%v", cli.unsubbed)
	}
}

func TestSetTopic(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(nil)
	runBridge(t, cli, dev)

	eventually(t, "subscription", func() bool {
		cli.mu.Lock()
		defer cli.mu.Unlock()
		return cli.handlers["medole/dehum/set/+"] != nil
	})

	cli.deliver("medole/dehum/set/+", "medole/dehum/set/targetHumidity", "45")
	cli.deliver("medole/dehum/set/+", "medole/dehum/set/power", "off")

	eventually(t, "writes", func() bool { return len(dev.written()) == 2 })
	w := dev.written()
	if w[0] != "targetHumidity=45" || w[1] != "power=off" {
		t.Fatalf("writes=%v", w)
	}

	eventually(t, "results", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/command/result") == 2
	})
	p, _ := lastPayload(cli.snapshot(), "medole/dehum/command/result")
	var res Result
	if err := json.Unmarshal([]byte(p), &res); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if !res.OK || res.Action != ActionSet || res.Attribute != "power" {
		t.Fatalf("result=%+v", res)
	}
}

func TestCommandTopic(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(nil)
	runBridge(t, cli, dev)

	eventually(t, "subscription", func() bool {
		cli.mu.Lock()
		defer cli.mu.Unlock()
		return cli.handlers["medole/dehum/command"] != nil
	})

	cli.deliver("medole/dehum/command", "medole/dehum/command", `{"id":"1","action":"turn_on"}`)
	eventually(t, "turn_on writes", func() bool { return len(dev.written()) == 3 })
	if w := dev.written(); w[0] != "power=true" || w[1] != "dehumidifyMode=true" || w[2] != "purifyMode=false" {
		t.Fatalf("writes=%v", w)
	}

	cli.deliver("medole/dehum/command", "medole/dehum/command", `{"id":"2","action":"set_fan_mode","value":"low"}`)
	eventually(t, "fan write", func() bool { return len(dev.written()) == 4 })
	if w := dev.written(); w[3] != "fanSpeed=1" {
		t.Fatalf("writes=%v", w)
	}

	cli.deliver("medole/dehum/command", "medole/dehum/command", `{"id":"3","action":"refresh"}`)
	eventually(t, "refresh", func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.polls == 1
	})

	cli.deliver("medole/dehum/command", "medole/dehum/command", `{"id":"4","action":"explode"}`)
	eventually(t, "rejection", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/command/result") == 4
	})
	p, _ := lastPayload(cli.snapshot(), "medole/dehum/command/result")
	var res Result
	if err := json.Unmarshal([]byte(p), &res); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if res.OK || res.ID != "4" || res.Kind != domain.KindInvalidAttribute.String() {
		t.Fatalf("result=%+v", res)
	}
}

func TestCommandFailureReported(t *testing.T) {
	cli := newFakeClient()
	dev := newFakeDevice(nil)
	dev.err = fmt.Errorf("%w: write 0x6201: %w", domain.ErrConnection, domain.ErrTimeout)
	runBridge(t, cli, dev)

	eventually(t, "subscription", func() bool {
		cli.mu.Lock()
		defer cli.mu.Unlock()
		return cli.handlers["medole/dehum/command"] != nil
	})

	cli.deliver("medole/dehum/command", "medole/dehum/command", `{"id":"9","action":"turn_on"}`)
	eventually(t, "result", func() bool {
		return countTopic(cli.snapshot(), "medole/dehum/command/result") == 1
	})

	if w := dev.written(); len(w) != 1 {
		t.Fatalf("sequence continued after failure: %v", w)
	}
	p, _ := lastPayload(cli.snapshot(), "medole/dehum/command/result")
	var res Result
	if err := json.Unmarshal([]byte(p), &res); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if res.OK || res.Kind != domain.KindTimeout.String() {
		t.Fatalf("result=%+v", res)
	}
}

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{"45", json.Number("45")},
		{"true", true},
		{`"high"`, "high"},
		{"off", "off"},
	}
	for _, tc := range cases {
		got, err := decodeValue(json.RawMessage(tc.raw))
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %v (%T) err=%v", tc.raw, got, got, err)
		}
	}
	if _, err := decodeValue(nil); !errors.Is(err, domain.ErrValueRange) {
		t.Fatalf("expected ErrValueRange, got %v", err)
	}
}
