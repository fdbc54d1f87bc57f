// Package metadata holds the headers that travel with a record and the keys
// flowbind reserves in them.
package metadata

import (
	"strconv"

	"github.com/drblury/flowbind/internal/runtime/offset"
)

// Reserved header keys.
const (
	KeyOffset    = "flowbind_offset"
	KeyPartition = "flowbind_partition"
	KeyCodec     = "flowbind_codec"
	KeyBinding   = "flowbind_binding"
)

// Metadata represents the headers carried alongside a record.
type Metadata map[string]string

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Offset reads the offset header. Missing or malformed headers yield None.
func (m Metadata) Offset() (offset.Offset, bool) {
	raw, ok := m[KeyOffset]
	if !ok || raw == "" {
		return offset.None, false
	}
	off, err := offset.Parse(raw)
	if err != nil {
		return offset.None, false
	}
	return off, true
}

// WithOffset returns a copy carrying off. None removes the header.
func (m Metadata) WithOffset(off offset.Offset) Metadata {
	cloned := m.Clone()
	if off.IsNone() {
		delete(cloned, KeyOffset)
		return cloned
	}
	cloned[KeyOffset] = off.Text()
	return cloned
}

// Partition reads the partition header.
func (m Metadata) Partition() (int, bool) {
	raw, ok := m[KeyPartition]
	if !ok {
		return 0, false
	}
	p, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return p, true
}

// WithPartition returns a copy carrying partition p. Negative partitions
// remove the header.
func (m Metadata) WithPartition(p int) Metadata {
	cloned := m.Clone()
	if p < 0 {
		delete(cloned, KeyPartition)
		return cloned
	}
	cloned[KeyPartition] = strconv.Itoa(p)
	return cloned
}
