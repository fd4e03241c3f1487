package featureflag

import "time"

// Rule is one targeting rule of a feature.
type Rule struct {
	Tags      map[string]any `json:"tags"`              // attributes that must all match
	Rollout   int            `json:"rollout,omitempty"` // percent of users admitted, 0 means all
	ValueHash string         `json:"val_hash"`          // hash of the Decision served
}

// Decision is what a matched rule serves: the flag state and its variables.
type Decision struct {
	Enabled   bool              `json:"enabled"`
	Variables map[string]string `json:"variables,omitempty"`
}

// HistoryRecord is one entry of the publish history.
type HistoryRecord struct {
	Version   int    `json:"version"`
	AllHash   string `json:"all_hash"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot is an immutable view of one published datafile.
type Snapshot struct {
	Version int               // datafile version
	AllHash string            // hash over all rules, empty before the first publish
	Rules   map[string][]Rule // feature key -> rules
	Values  map[string]string // ValueHash -> Decision JSON
}

// GetRawValue returns the Decision JSON for a value hash.
func (s *Snapshot) GetRawValue(valueHash string) (string, bool) {
	val, ok := s.Values[valueHash]
	return val, ok
}

// Ready reports whether the snapshot came from a published datafile.
func (s *Snapshot) Ready() bool {
	return s.AllHash != ""
}

// Event is a tracked conversion event.
type Event struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	UserID     string            `json:"user_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
