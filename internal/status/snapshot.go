// internal/status/snapshot.go
package status

import "time"

// Snapshot is the last decoded set of device attributes.
// It is immutable: every change produces a new Snapshot, so readers
// holding one never observe a partial update.
// The zero value is an empty, offline snapshot.
type Snapshot struct {
	values      map[string]any
	lastUpdated time.Time
	online      bool
}

// NewSnapshot copies values into a new snapshot.
func NewSnapshot(values map[string]any, at time.Time, online bool) Snapshot {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp, lastUpdated: at, online: online}
}

// Value returns one attribute.
func (s Snapshot) Value(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Values returns a copy of all attributes.
func (s Snapshot) Values() map[string]any {
	cp := make(map[string]any, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

// Len returns the number of attributes.
func (s Snapshot) Len() int { return len(s.values) }

// LastUpdated is the time of the last successful full poll.
func (s Snapshot) LastUpdated() time.Time { return s.lastUpdated }

// Online is true only while values come from the current polling window.
func (s Snapshot) Online() bool { return s.online }

// WithOnline returns a copy with the online flag replaced.
// Values are retained so consumers can show last-known state.
func (s Snapshot) WithOnline(online bool) Snapshot {
	s.online = online
	return s
}

// WithValue returns a copy with one attribute replaced.
// lastUpdated is left alone: it tracks full polls only.
func (s Snapshot) WithValue(name string, v any) Snapshot {
	cp := make(map[string]any, len(s.values)+1)
	for k, old := range s.values {
		cp[k] = old
	}
	cp[name] = v
	s.values = cp
	return s
}
