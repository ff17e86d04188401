package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Configuration is fixed when the session is created. Public sessions accept
// any authenticated identity and only record membership as participants
// arrive; otherwise UserIDs is the authoritative membership.
type Configuration struct {
	HostUserID string   `yaml:"hostUserId" json:"hostUserId"`
	UserIDs    []string `yaml:"userIds" json:"userIds"`
	Public     bool     `yaml:"public" json:"public"`
	CanRestart bool     `yaml:"canRestart" json:"canRestart"`
	UserData   any      `yaml:"userData" json:"userData,omitempty"`
}

// ParseConfiguration decodes session metadata, rejecting unknown fields.
func ParseConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("decoding session configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate checks the membership invariants.
func (c Configuration) Validate() error {
	seen := make(map[string]bool, len(c.UserIDs))
	for _, id := range c.UserIDs {
		if id == "" {
			return errors.New("session configuration: empty user id")
		}
		if seen[id] {
			return fmt.Errorf("session configuration: duplicate user id %q", id)
		}
		seen[id] = true
	}
	if !c.Public && len(c.UserIDs) == 0 {
		return errors.New("session configuration: a private session needs at least one user id")
	}
	if !c.Public && c.HostUserID != "" && !seen[c.HostUserID] {
		return fmt.Errorf("session configuration: host %q is not a participant", c.HostUserID)
	}
	return nil
}

// IsMember reports whether identity may join.
func (c Configuration) IsMember(identity string) bool {
	return c.Public || slices.Contains(c.UserIDs, identity)
}
