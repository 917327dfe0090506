package store

import (
	"bytes"
	"encoding/binary"
	"time"
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeRecencyKey creates a key for the threads_by_time index.
// Format: [8-byte timestamp][id]
func makeRecencyKey(t time.Time, id string) []byte {
	ts := encodeTimestamp(t)
	key := make([]byte, 8+len(id))
	copy(key[:8], ts)
	copy(key[8:], id)
	return key
}

// makeScopedTimeKey creates a time-ordered key under a parent scope, used for
// messages (scope = thread id) and price points (scope = product id). The
// trailing id breaks ties between entries created in the same nanosecond.
// Format: [scope][separator][8-byte timestamp][id]
func makeScopedTimeKey(scope string, t time.Time, id string) []byte {
	ts := encodeTimestamp(t)
	key := make([]byte, len(scope)+1+8+len(id))
	offset := 0
	copy(key[offset:], scope)
	offset += len(scope)
	key[offset] = 0 // null separator
	offset++
	copy(key[offset:], ts)
	offset += 8
	copy(key[offset:], id)
	return key
}

// parseScopedTimeKey extracts scope, timestamp, and id from a scoped time key.
func parseScopedTimeKey(data []byte) (scope string, ts time.Time, id string) {
	sep := bytes.IndexByte(data, 0)
	if sep < 0 || len(data) < sep+1+8 {
		return string(data), time.Time{}, ""
	}
	scope = string(data[:sep])
	ts = decodeTimestamp(data[sep+1 : sep+1+8])
	id = string(data[sep+1+8:])
	return scope, ts, id
}

// scopePrefix returns the cursor prefix covering every key under a scope.
// Format: [scope][separator]
func scopePrefix(scope string) []byte {
	prefix := make([]byte, len(scope)+1)
	copy(prefix, scope)
	prefix[len(scope)] = 0
	return prefix
}

// scopedSeekKey returns the smallest key at or after the given time within a
// scope, used to skip directly to a time window during range scans.
func scopedSeekKey(scope string, t time.Time) []byte {
	return makeScopedTimeKey(scope, t, "")
}

// makeIdentityKey creates a compound key for federated login identities.
// Format: [provider][separator][subject]
func makeIdentityKey(provider, subject string) []byte {
	key := make([]byte, len(provider)+1+len(subject))
	copy(key, provider)
	key[len(provider)] = 0 // null separator
	copy(key[len(provider)+1:], subject)
	return key
}

// makeHashRefKey creates a key for the uploads_by_hash index, which tracks
// every upload record that points at the same stored blob.
// Format: [hash][separator][uploadID]
func makeHashRefKey(hash, uploadID string) []byte {
	key := make([]byte, len(hash)+1+len(uploadID))
	copy(key, hash)
	key[len(hash)] = 0 // null separator
	copy(key[len(hash)+1:], uploadID)
	return key
}
