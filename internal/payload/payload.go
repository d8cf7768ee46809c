// Package payload defines the typed, schema-versioned wire format of outbox
// operations and pulled records.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

// Version is the envelope schema version written by this build.
const Version = 1

// Envelope wraps one entity snapshot.
type Envelope struct {
	Version    int                  `json:"version"`
	EntityType string               `json:"entityType"`
	Kind       models.OperationKind `json:"kind"`
	Data       json.RawMessage      `json:"data"`
}

// Encode wraps data in an envelope and serializes it.
func Encode(entityType string, kind models.OperationKind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", entityType, err)
	}
	return json.Marshal(Envelope{
		Version:    Version,
		EntityType: entityType,
		Kind:       kind,
		Data:       raw,
	})
}

// Decode parses an envelope. Malformed or future-version payloads are
// permanent errors: retrying cannot fix them.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, apperr.PermanentSync(fmt.Errorf("undecodable payload: %w", err))
	}
	if env.Version < 1 || env.Version > Version {
		return nil, apperr.PermanentSync(fmt.Errorf("unsupported payload version %d", env.Version))
	}
	if env.EntityType == "" {
		return nil, apperr.PermanentSync(fmt.Errorf("payload has no entity type"))
	}
	return &env, nil
}

// Into decodes the envelope data into v.
func (e *Envelope) Into(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return apperr.PermanentSync(fmt.Errorf("undecodable %s data: %w", e.EntityType, err))
	}
	return nil
}

// RewriteClientID replaces the clientId field of an encoded payload. It
// reports whether anything changed.
func RewriteClientID(b []byte, staleID, canonicalID string) ([]byte, bool, error) {
	env, err := Decode(b)
	if err != nil {
		return nil, false, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s data: %w", env.EntityType, err)
	}
	var clientID string
	if raw, ok := fields["clientId"]; !ok || json.Unmarshal(raw, &clientID) != nil || clientID != staleID {
		return b, false, nil
	}

	fields["clientId"], _ = json.Marshal(canonicalID)
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s data: %w", env.EntityType, err)
	}
	env.Data = data

	out, err := json.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return out, true, nil
}
