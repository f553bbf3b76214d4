package config

import "time"

// Config is the root configuration for a streamtap instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Controller ControllerConfig `yaml:"controller"`
	Transport  TransportConfig  `yaml:"transport"`
	Resources  []ResourceConfig `yaml:"resources"`
	Database   DatabaseConfig   `yaml:"database"`
	Journal    JournalConfig    `yaml:"journal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds the stream and negotiation endpoints.
type APIConfig struct {
	WSURL          string        `yaml:"ws_url"`
	NegotiateURL   string        `yaml:"negotiate_url"`    // empty disables negotiation
	KeyID          string        `yaml:"key_id"`           // signs requests when set
	PrivateKeyPath string        `yaml:"private_key_path"` // RSA private key PEM file
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// ControllerConfig holds controller timings, in seconds.
type ControllerConfig struct {
	KeepaliveInterval float64 `yaml:"keepalive_interval"`
	KeepaliveTimeout  float64 `yaml:"keepalive_timeout"`
	ReconnectDelay    float64 `yaml:"reconnect_delay"`
	CloseDelay        float64 `yaml:"close_delay"`

	MaxControllers    int  `yaml:"max_controllers"` // 0 means unlimited
	GiveUpOnRejection bool `yaml:"give_up_on_rejection"`
}

// TransportConfig holds WebSocket settings. A negative ping_interval
// disables transport-level pings.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
}

// ResourceConfig is one resource to subscribe to. Protocols, when set, are
// offered without asking the negotiation endpoint.
type ResourceConfig struct {
	Name      string   `yaml:"name"`
	Protocols []string `yaml:"protocols"`
}

// DatabaseConfig holds database connections.
type DatabaseConfig struct {
	Journal DBConfig `yaml:"journal"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// JournalConfig holds lifecycle journal writer settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
