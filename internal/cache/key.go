package cache

import "strings"

// Key names a cached collection. Segments are separated by "/", so
// "obs/scenes/all" lives under both "obs/scenes" and "obs".
type Key string

// Under reports whether k equals prefix or is nested below it on a segment
// boundary. The empty prefix matches every key.
func (k Key) Under(prefix Key) bool {
	if prefix == "" || k == prefix {
		return true
	}
	return strings.HasPrefix(string(k), string(prefix)+"/")
}
