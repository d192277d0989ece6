// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pion/stun/v3"
)

// Role represents the user's chosen role (phone or relay).
type Role string

const (
	RolePhone Role = "phone"
	RoleRelay Role = "relay"
)

// Config stores all parameters gathered from CLI flags or interactive prompts.
type Config struct {
	Role Role

	ListenAddr string // Relay: address to serve /ws on

	RelayURL  string // Phone: WebSocket URL of the relay
	Number    string // Phone: number to register; empty lets the relay assign one
	AudioFile string // Phone: Ogg/Opus file used as the microphone; empty sends silence
	RecordDir string // Phone: where remote audio is recorded; empty discards it

	ICEServers             []string
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration

	DialTimeout    time.Duration
	ResetDelay     time.Duration
	RestartTimeout time.Duration
}

// Default returns the configuration used when no flag overrides it.
func Default() Config {
	return Config{
		Role:                   RolePhone,
		ListenAddr:             ":8080",
		ICEDisconnectedTimeout: 5 * time.Second,
		ICEFailedTimeout:       10 * time.Second,
		DialTimeout:            30 * time.Second,
		ResetDelay:             3 * time.Second,
		RestartTimeout:         15 * time.Second,
	}
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RolePhone:
		if err := validateRelayURL(c.RelayURL); err != nil {
			errs = append(errs, err)
		}
		if c.Number != "" && !ValidNumber(c.Number) {
			errs = append(errs, fmt.Errorf("invalid number %q: digits, * and # only, at most %d", c.Number, maxNumberLen))
		}
		if c.DialTimeout <= 0 {
			errs = append(errs, errors.New("dial timeout must be positive"))
		}
		if c.ResetDelay < 0 {
			errs = append(errs, errors.New("reset delay must not be negative"))
		}
		if c.RestartTimeout < 0 {
			errs = append(errs, errors.New("restart timeout must not be negative"))
		}
		if c.ICEDisconnectedTimeout < 0 || c.ICEFailedTimeout < 0 {
			errs = append(errs, errors.New("ICE timeouts must not be negative"))
		}
		for _, raw := range c.ICEServers {
			if _, err := stun.ParseURI(raw); err != nil {
				errs = append(errs, fmt.Errorf("invalid ICE server %q: %w", raw, err))
			}
		}
	case RoleRelay:
		if c.ListenAddr == "" {
			errs = append(errs, errors.New("missing listen address"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'phone' or 'relay'", c.Role))
	}

	return errors.Join(errs...)
}

func validateRelayURL(raw string) error {
	if raw == "" {
		return errors.New("missing relay URL")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid relay URL: %s", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay URL must use ws or wss: %s", raw)
	}
	return nil
}

const maxNumberLen = 32

// ValidNumber reports whether s is a dialable number: digits plus '*' and
// '#', at most 32 characters.
func ValidNumber(s string) bool {
	if s == "" || len(s) > maxNumberLen {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '*' && r != '#' {
			return false
		}
	}
	return true
}
