package streams

import (
	"log/slog"
	"sort"
)

// Version is the dense, 1-based monotonic version number of an Item
// within its stream. Version 0 denotes an empty stream (no items).
type Version uint64

// Uint64 returns v as a plain uint64, e.g. for use as a map key or in
// wire formats that have no notion of Version.
func (v Version) Uint64() uint64 { return uint64(v) }

// SlogAttr returns a slog.Attr for v under the key "version".
func (v Version) SlogAttr() slog.Attr { return v.SlogAttrWithKey("version") }

// SlogAttrWithKey returns a slog.Attr for v under the given key.
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }

// sortVersions sorts vs ascending in place.
func sortVersions(vs []Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
}
