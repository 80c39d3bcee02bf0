// SPDX-License-Identifier: MIT

package capacity

import "strings"

// Keyspace builds the cache keys the capacity service and the reconciliation
// job share. It is constructed once and injected; nothing in this package
// keeps key prefixes in package-level state.
type Keyspace struct {
	prefix string
}

// NewKeyspace creates a Keyspace. An empty prefix defaults to "checkind:".
func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = "checkind:"
	}
	return Keyspace{prefix: prefix}
}

// Counter is the cached mirror of a session's check-in count.
func (k Keyspace) Counter(sessionID string) string {
	return k.prefix + "capacity:count:" + sessionID
}

// CounterPrefix is the scan prefix covering all counter keys.
func (k Keyspace) CounterPrefix() string {
	return k.prefix + "capacity:count:"
}

// SessionIDFromCounterKey recovers the session id from a counter key.
func (k Keyspace) SessionIDFromCounterKey(key string) (string, bool) {
	id := strings.TrimPrefix(key, k.CounterPrefix())
	if id == key || id == "" {
		return "", false
	}
	return id, true
}

// Session caches a session-by-id lookup.
func (k Keyspace) Session(sessionID string) string {
	return k.prefix + "session:" + sessionID
}

// CapacityStatus caches the hot-path capacity status read.
func (k Keyspace) CapacityStatus(sessionID string) string {
	return k.prefix + "capacity:status:" + sessionID
}

// Stats caches the cross-session aggregate.
func (k Keyspace) Stats() string {
	return k.prefix + "stats"
}
