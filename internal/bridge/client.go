// internal/bridge/client.go
package bridge

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benck/ha-medole/internal/config"
)

// Client is the part of mqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // ms

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// ---- TOPICS ----

// Topics builds the topic names under one prefix.
type Topics struct{ Prefix string }

func (t Topics) BridgeStatus() string    { return t.Prefix + "/bridge/status" }
func (t Topics) State(dev string) string { return fmt.Sprintf("%s/%s/state", t.Prefix, dev) }
func (t Topics) Availability(dev string) string {
	return fmt.Sprintf("%s/%s/availability", t.Prefix, dev)
}
func (t Topics) Attr(dev, name string) string {
	return fmt.Sprintf("%s/%s/attr/%s", t.Prefix, dev, name)
}
func (t Topics) Set(dev, name string) string { return fmt.Sprintf("%s/%s/set/%s", t.Prefix, dev, name) }
func (t Topics) Command(dev string) string   { return fmt.Sprintf("%s/%s/command", t.Prefix, dev) }
func (t Topics) CommandResult(dev string) string {
	return fmt.Sprintf("%s/%s/command/result", t.Prefix, dev)
}

// ---- CONNECTION ----

func clientOptions(cfg config.MQTTConfig, log zerolog.Logger) *mqtt.ClientOptions {
	topics := Topics{Prefix: cfg.TopicPrefix}
	qos := cfg.QoS

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// persistent session: set/command subscriptions survive reconnects
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetOrderMatters(false)

	// broker announces us offline if we vanish
	opts.SetWill(topics.BridgeStatus(), payloadOffline, qos, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
		c.Publish(topics.BridgeStatus(), qos, true, payloadOnline)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info().Msg("mqtt reconnecting")
	})
	return opts
}

// Connect dials the broker. A broker that is not reachable within the
// connect timeout is not an error: the client keeps retrying in the
// background and publishes queue until then.
func Connect(cfg config.MQTTConfig, log zerolog.Logger) (mqtt.Client, error) {
	log = log.With().Str("component", "mqtt").Logger()
	opts := clientOptions(cfg, log)

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		log.Warn().
			Str("broker", cfg.BrokerURL).
			Dur("timeout", opts.ConnectTimeout).
			Msg("mqtt broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}
	return c, nil
}

// Disconnect publishes a graceful offline status and closes the client.
func Disconnect(c mqtt.Client, cfg config.MQTTConfig) {
	if c == nil {
		return
	}
	if c.IsConnected() {
		tok := c.Publish(Topics{Prefix: cfg.TopicPrefix}.BridgeStatus(), cfg.QoS, true, payloadOffline)
		tok.WaitTimeout(defaultPublishTimeout)
	}
	c.Disconnect(disconnectQuiesce)
}

var errPublishTimeout = errors.New("timeout waiting for broker")

// wait blocks for tok up to timeout.
func wait(tok mqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return errPublishTimeout
	}
	return tok.Error()
}
