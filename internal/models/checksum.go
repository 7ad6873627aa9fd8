package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ComputeChecksum hashes every field of the entity except id, checksum
// and sync_status, with timestamps at TimePrecision. Two copies with the
// same checksum carry the same content and version.
func ComputeChecksum(e *Entity) string {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m[FieldCreatedAt] = formatTime(Timestamp(e.CreatedAt))
	m[FieldUpdatedAt] = formatTime(Timestamp(e.UpdatedAt))
	m[FieldVersion] = e.Version

	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(m)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SameContent reports whether two entities are byte-identical copies.
func SameContent(a, b *Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return ComputeChecksum(a) == ComputeChecksum(b)
}
