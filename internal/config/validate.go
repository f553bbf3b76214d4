package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.API.NegotiateURL != "" {
		if err := validateURL("api.negotiate_url", c.API.NegotiateURL, "http", "https"); err != nil {
			return err
		}
	}
	if (c.API.KeyID == "") != (c.API.PrivateKeyPath == "") {
		return errors.New("api.key_id and api.private_key_path must be set together")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Controller.KeepaliveInterval <= 0 {
		return errors.New("controller.keepalive_interval must be > 0")
	}
	if c.Controller.KeepaliveTimeout <= 0 {
		return errors.New("controller.keepalive_timeout must be > 0")
	}
	if c.Controller.ReconnectDelay <= 0 {
		return errors.New("controller.reconnect_delay must be > 0")
	}
	if c.Controller.CloseDelay < 0 {
		return errors.New("controller.close_delay must be >= 0")
	}
	if c.Controller.MaxControllers < 0 {
		return errors.New("controller.max_controllers must be >= 0")
	}
	if n := c.Controller.MaxControllers; n > 0 && n < len(c.Resources) {
		return fmt.Errorf("controller.max_controllers (%d) is less than the number of resources (%d)", n, len(c.Resources))
	}

	if len(c.Resources) == 0 {
		return errors.New("resources must list at least one resource")
	}
	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resources[%d].name is required", i)
		}
		// Controllers are keyed by path, which drops one leading "/".
		path := strings.TrimPrefix(r.Name, "/")
		if seen[path] {
			return fmt.Errorf("resources[%d].name %q is duplicated (path %q)", i, r.Name, path)
		}
		seen[path] = true
	}

	if c.Journal.Enabled {
		if err := c.Database.Journal.validate("database.journal"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
