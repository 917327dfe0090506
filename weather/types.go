// Package weather caches the national weather alerts feed behind a
// single-slot TTL cache with stale-on-error fallback.
package weather

import "encoding/json"

// FeatureCollection is the GeoJSON document returned by the alerts API.
// Individual features are kept opaque; the platform relays them to clients
// without interpreting their geometry or properties.
type FeatureCollection struct {
	Type     string            `json:"type"`
	Title    string            `json:"title,omitempty"`
	Updated  string            `json:"updated,omitempty"`
	Features []json.RawMessage `json:"features"`
}
