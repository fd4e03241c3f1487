package featureflag

// prefix is the Redis key prefix shared by every feature key.
var prefix = "storefront-flags:"

// SetPrefix sets the global Redis key prefix.
// It should be called before any other operation.
func SetPrefix(p string) {
	prefix = p
	if len(prefix) > 0 && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
}

// Prefix returns the current Redis key prefix.
func Prefix() string {
	return prefix
}

const (
	SuffixRules    = "rules:"   // feature rule sets
	SuffixValues   = "values"   // decision payloads
	SuffixVersions = "versions" // datafile version -> AllHash
	SuffixHistory  = "history"  // publish history
	SuffixUpdates  = "updates"  // publish notifications
	SuffixEvents   = "events"   // tracked conversion events
)

// KeyRules returns the hash that holds feature key -> []Rule for one AllHash.
func KeyRules(hash string) string {
	return prefix + SuffixRules + hash
}

// KeyValues returns the hash that holds ValueHash -> Decision JSON.
func KeyValues() string {
	return prefix + SuffixValues
}

// KeyVersions returns the hash that maps a datafile version to its AllHash.
func KeyVersions() string {
	return prefix + SuffixVersions
}

// KeyHistory returns the list of HistoryRecord JSON strings (RPush).
func KeyHistory() string {
	return prefix + SuffixHistory
}

// KeyUpdates returns the stream carrying publish notifications.
func KeyUpdates() string {
	return prefix + SuffixUpdates
}

// KeyEvents returns the stream carrying tracked events.
func KeyEvents() string {
	return prefix + SuffixEvents
}

// EventPublish is the event type of a publish notification.
const EventPublish = "publish"

// UpdateMessage is the payload of an updates stream entry.
type UpdateMessage struct {
	Event     string `json:"event"`
	Version   int    `json:"version"`
	AllHash   string `json:"all_hash"`
	Timestamp int64  `json:"timestamp"`
}
