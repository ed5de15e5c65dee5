// internal/config/config.go
package config

import "time"

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Devices []Device      `mapstructure:"devices"`
}

// ---- SERVICE ----

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// HTTPConfig controls the /metrics, /healthz and /state endpoints.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ---- DEVICE ----

// Connection types.
const (
	ConnSerial     = "serial"
	ConnTCP        = "tcp"
	ConnRTUOverTCP = "rtuovertcp"
)

// Device is one dehumidifier on one Modbus connection.
type Device struct {
	Name           string `mapstructure:"name"`
	ConnectionType string `mapstructure:"connection_type"`

	// serial
	SerialPort string `mapstructure:"serial_port"`
	Baudrate   int    `mapstructure:"baudrate"`
	Bytesize   int    `mapstructure:"bytesize"`
	Parity     string `mapstructure:"parity"`
	Stopbits   int    `mapstructure:"stopbits"`

	// tcp, rtuovertcp
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	SlaveID int           `mapstructure:"slave_id"`
	Timeout time.Duration `mapstructure:"timeout"`

	// PollInterval of zero takes the default; negative means poll on demand only.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Tuning. Pointers so an explicit 0 survives normalization: no retries,
	// no backoff, or (for reconnect_cooldown) no reconnect breaker.
	Retries           *int           `mapstructure:"retries"`
	RetryBackoff      *time.Duration `mapstructure:"retry_backoff"`
	FailureThreshold  int            `mapstructure:"failure_threshold"`
	ReconnectCooldown *time.Duration `mapstructure:"reconnect_cooldown"`

	// RegisterMap is an optional YAML file replacing the built-in Medole map.
	RegisterMap string `mapstructure:"register_map"`
}

// ---- DEFAULTS ----

const (
	DefaultBaudrate          = 9600
	DefaultBytesize          = 8
	DefaultParity            = "N"
	DefaultStopbits          = 1
	DefaultTCPPort           = 502
	DefaultTimeout           = time.Second
	DefaultPollInterval      = 30 * time.Second
	DefaultRetries           = 2
	DefaultRetryBackoff      = 200 * time.Millisecond
	DefaultFailureThreshold  = 3
	DefaultReconnectCooldown = 30 * time.Second
)
