package config

import (
	"time"

	"github.com/rickgao/streammux/internal/controller"
	"github.com/rickgao/streammux/internal/transport"
)

// Seconds converts a fractional number of seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ControllerOptions returns the controller options described by c. Clock,
// Observer and Logger are left for the caller.
func (c ControllerConfig) ControllerOptions() controller.Options {
	opts := controller.Options{
		KeepaliveInterval: Seconds(c.KeepaliveInterval),
		KeepaliveTimeout:  Seconds(c.KeepaliveTimeout),
		ReconnectDelay:    Seconds(c.ReconnectDelay),
		CloseDelay:        Seconds(c.CloseDelay),
		Retry:             controller.AlwaysRetry,
	}
	if c.GiveUpOnRejection {
		opts.Retry = controller.RetryUnlessRejected
	}
	return opts
}

// DialerConfig returns the WebSocket dialer settings described by c.
func (c TransportConfig) DialerConfig() transport.Config {
	cfg := transport.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		PingInterval:     c.PingInterval,
		PongTimeout:      c.PongTimeout,
	}
	if cfg.PingInterval < 0 {
		cfg.PingInterval = 0
	}
	return cfg
}

// StaticProtocols returns the configured protocols by resource name, for
// resources that list any.
func (c *Config) StaticProtocols() map[string][]string {
	out := make(map[string][]string)
	for _, r := range c.Resources {
		if len(r.Protocols) > 0 {
			out[r.Name] = r.Protocols
		}
	}
	return out
}
