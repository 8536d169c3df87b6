package types

import (
	"fmt"
	"strings"
)

// SessionKey identifies one conversation: the unit of mutual exclusion and
// turn ownership. No two logical turns with the same SessionKey may be in a
// non-terminal state at the same time.
type SessionKey struct {
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	CustomerID string `json:"customer_id"`
	Channel    string `json:"channel"`
}

// String renders the key as a stable string suitable for lock and store keys.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.TenantID, k.AgentID, k.CustomerID, k.Channel)
}

// Validate checks that all four components are present and none contains the
// separator character.
func (k SessionKey) Validate() error {
	fields := map[string]string{
		"tenant_id":   k.TenantID,
		"agent_id":    k.AgentID,
		"customer_id": k.CustomerID,
		"channel":     k.Channel,
	}
	for name, v := range fields {
		if v == "" {
			return NewError(ErrInvalidSessionKey, fmt.Sprintf("session key field %s is empty", name))
		}
		if strings.Contains(v, ":") {
			return NewError(ErrInvalidSessionKey, fmt.Sprintf("session key field %s contains ':'", name))
		}
	}
	return nil
}

// ParseSessionKey parses a string produced by SessionKey.String.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return SessionKey{}, NewError(ErrInvalidSessionKey, fmt.Sprintf("malformed session key %q", s))
	}
	key := SessionKey{
		TenantID:   parts[0],
		AgentID:    parts[1],
		CustomerID: parts[2],
		Channel:    parts[3],
	}
	if err := key.Validate(); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}
