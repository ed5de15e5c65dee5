// internal/bridge/commands.go
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/benck/ha-medole/internal/dehumidifier"
	"github.com/benck/ha-medole/internal/domain"
)

// Command actions accepted on the command topic.
const (
	ActionSet           = "set"
	ActionTurnOn        = "turn_on"
	ActionTurnOff       = "turn_off"
	ActionSetHumidity   = "set_humidity"
	ActionSetContinuous = "set_continuous"
	ActionSetFanMode    = "set_fan_mode"
	ActionSyncClock     = "sync_clock"
	ActionRefresh       = "refresh"
)

// Command is the payload of <prefix>/<device>/command.
type Command struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Result is published to <prefix>/<device>/command/result.
type Result struct {
	ID        string    `json:"id,omitempty"`
	Action    string    `json:"action"`
	Attribute string    `json:"attribute,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type command struct {
	Command
	attribute string
}

func messageHandler(h func(topic string, payload []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	}
}

// ---- INTAKE ----

// onSet handles <prefix>/<device>/set/<attribute>; the payload is the raw
// JSON value.
func (d *deviceBridge) onSet(topic string, payload []byte) {
	i := strings.LastIndex(topic, "/set/")
	if i < 0 {
		return
	}
	attr := topic[i+len("/set/"):]
	d.enqueue(command{
		Command:   Command{Action: ActionSet, Value: json.RawMessage(bytes.TrimSpace(payload))},
		attribute: attr,
	})
}

func (d *deviceBridge) onCommand(_ string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.reply(command{Command: Command{Action: "invalid"}}, fmt.Errorf("%w: command payload: %v", domain.ErrValueRange, err))
		return
	}
	d.enqueue(command{Command: cmd})
}

// enqueue never blocks the MQTT client's delivery goroutine.
func (d *deviceBridge) enqueue(cmd command) {
	select {
	case d.cmds <- cmd:
	default:
		d.reply(cmd, fmt.Errorf("command queue full"))
	}
}

// ---- EXECUTION ----

func (d *deviceBridge) processCommands(ctx context.Context) {
	ctl := dehumidifier.NewController(d.dev, d.log)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmds:
			cctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
			err := d.execute(cctx, ctl, cmd)
			cancel()
			d.reply(cmd, err)
		}
	}
}

func (d *deviceBridge) execute(ctx context.Context, ctl *dehumidifier.Controller, cmd command) error {
	switch cmd.Action {
	case ActionSet:
		v, err := decodeValue(cmd.Value)
		if err != nil {
			return err
		}
		return d.dev.SubmitWrite(ctx, cmd.attribute, v)
	case ActionTurnOn:
		return ctl.TurnOn(ctx)
	case ActionTurnOff:
		return ctl.TurnOff(ctx)
	case ActionSetHumidity:
		var h float64
		if err := json.Unmarshal(cmd.Value, &h); err != nil {
			return fmt.Errorf("%w: humidity: %v", domain.ErrValueRange, err)
		}
		return ctl.SetHumidity(ctx, int(h))
	case ActionSetContinuous:
		return ctl.SetContinuous(ctx)
	case ActionSetFanMode:
		var mode string
		if err := json.Unmarshal(cmd.Value, &mode); err != nil {
			return fmt.Errorf("%w: fan mode: %v", domain.ErrValueRange, err)
		}
		return ctl.SetFanMode(ctx, mode)
	case ActionSyncClock:
		t := d.now()
		if len(cmd.Value) > 0 && string(cmd.Value) != "null" {
			if err := json.Unmarshal(cmd.Value, &t); err != nil {
				return fmt.Errorf("%w: clock: %v", domain.ErrValueRange, err)
			}
		}
		return ctl.SyncClock(ctx, t)
	case ActionRefresh:
		return d.dev.PollNow(ctx)
	default:
		return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidAttribute, cmd.Action)
	}
}

// decodeValue keeps numbers as json.Number so integers stay exact.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty value", domain.ErrValueRange)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		// bare words such as on / off
		return string(raw), nil
	}
	return v, nil
}

func (d *deviceBridge) reply(cmd command, err error) {
	res := Result{
		ID:        cmd.ID,
		Action:    cmd.Action,
		Attribute: cmd.attribute,
		OK:        err == nil,
		Timestamp: d.now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
		res.Kind = domain.KindOf(err).String()
		d.log.Warn().
			Str("action", cmd.Action).
			Str("attribute", cmd.attribute).
			Err(err).
			Msg("command failed")
	}

	payload, merr := json.Marshal(res)
	if merr != nil {
		return
	}
	tok := d.cli.Publish(d.topics.CommandResult(d.name), d.cfg.QoS, false, payload)
	if werr := wait(tok, d.cfg.PublishTimeout); werr != nil {
		d.log.Debug().Err(werr).Msg("command result publish failed")
	}
}
