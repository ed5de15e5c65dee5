// internal/status/encode.go
package status

import (
	"encoding/json"
	"time"
)

// Document is the JSON shape of a snapshot plus its health.
type Document struct {
	Online      bool           `json:"online"`
	LastUpdated *time.Time     `json:"last_updated,omitempty"`
	Values      map[string]any `json:"values"`
	Health      HealthDocument `json:"health"`
}

// HealthDocument is the JSON shape of Health.
type HealthDocument struct {
	State               string     `json:"state"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
}

// NewDocument converts a snapshot and health into their JSON shape.
// No IO. No side effects.
func NewDocument(s Snapshot, h Health) Document {
	doc := Document{
		Online: s.Online(),
		Values: s.Values(),
		Health: HealthDocument{
			State:               h.State.String(),
			Available:           h.Available(),
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastErrorMessage:    h.LastErrorMessage,
		},
	}
	if t := s.LastUpdated(); !t.IsZero() {
		doc.LastUpdated = &t
	}
	if h.LastError != 0 {
		doc.Health.LastError = h.LastError.String()
	}
	if !h.LastSuccess.IsZero() {
		ls := h.LastSuccess
		doc.Health.LastSuccess = &ls
	}
	return doc
}

// Encode marshals NewDocument(s, h).
func Encode(s Snapshot, h Health) ([]byte, error) {
	return json.Marshal(NewDocument(s, h))
}
