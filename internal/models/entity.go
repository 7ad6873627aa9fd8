// Package models provides data model definitions for statsync.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SyncStatus represents the replication state of an entity.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// Metadata keys reserved on every entity.
const (
	FieldID         = "id"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	FieldVersion    = "version"
	FieldSyncStatus = "sync_status"
	FieldChecksum   = "checksum"
)

// IsMetadataField reports whether key is one of the reserved entity keys.
func IsMetadataField(key string) bool {
	switch key {
	case FieldID, FieldCreatedAt, FieldUpdatedAt, FieldVersion, FieldSyncStatus, FieldChecksum:
		return true
	}
	return false
}

// Fields holds the opaque domain payload of an entity. Values are the
// JSON value kinds: string, float64, bool, nil, []any and map[string]any.
type Fields map[string]any

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Fields:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Entity is a versioned, checksummed domain record.
type Entity struct {
	ID         string     `db:"id"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	Version    int64      `db:"version"`
	SyncStatus SyncStatus `db:"sync_status"`
	Checksum   string     `db:"checksum"`
	Fields     Fields     `db:"data"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = e.Fields.Clone()
	return &c
}

// Get returns a domain field value.
func (e *Entity) Get(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Set assigns a domain field value. Metadata keys are ignored.
func (e *Entity) Set(key string, value any) {
	if IsMetadataField(key) {
		return
	}
	if e.Fields == nil {
		e.Fields = Fields{}
	}
	e.Fields[key] = value
}

// TimePrecision is the finest timestamp resolution every backend keeps.
// Both the relational and the document stores round to microseconds.
const TimePrecision = time.Microsecond

// Timestamp normalises t to UTC at TimePrecision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// Touch normalises the timestamps and recomputes the checksum after a
// change.
func (e *Entity) Touch() {
	e.CreatedAt = Timestamp(e.CreatedAt)
	e.UpdatedAt = Timestamp(e.UpdatedAt)
	e.Checksum = ComputeChecksum(e)
}

// ToMap flattens the entity into one wire object.
func (e *Entity) ToMap() map[string]any {
	m := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		m[k] = v
	}
	m[FieldID] = e.ID
	m[FieldCreatedAt] = formatTime(e.CreatedAt)
	m[FieldUpdatedAt] = formatTime(e.UpdatedAt)
	m[FieldVersion] = e.Version
	m[FieldSyncStatus] = string(e.SyncStatus)
	m[FieldChecksum] = e.Checksum
	return m
}

// MarshalJSON implements json.Marshaler.
func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := EntityFromMap(m)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// EntityFromMap builds an entity from a flat wire object. Metadata keys
// are lifted into the typed fields; everything else becomes payload.
func EntityFromMap(m map[string]any) (*Entity, error) {
	e := &Entity{Fields: Fields{}}
	for k, v := range m {
		switch k {
		case FieldID:
			s, err := asString(k, v)
			if err != nil {
				return nil, err
			}
			e.ID = s
		case FieldCreatedAt:
			t, err := asTime(k, v)
			if err != nil {
				return nil, err
			}
			e.CreatedAt = t
		case FieldUpdatedAt:
			t, err := asTime(k, v)
			if err != nil {
				return nil, err
			}
			e.UpdatedAt = t
		case FieldVersion:
			n, err := asInt(k, v)
			if err != nil {
				return nil, err
			}
			e.Version = n
		case FieldSyncStatus:
			s, err := asString(k, v)
			if err != nil {
				return nil, err
			}
			e.SyncStatus = SyncStatus(s)
		case FieldChecksum:
			s, err := asString(k, v)
			if err != nil {
				return nil, err
			}
			e.Checksum = s
		default:
			e.Fields[k] = v
		}
	}
	return e, nil
}

// ParseTime parses a timestamp as written by the wire encoding.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func asString(key string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", key, v)
	}
	return s, nil
}

func asTime(key string, v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		parsed, err := ParseTime(t)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", key, err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("field %s: expected timestamp, got %T", key, v)
}

func asInt(key string, v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("field %s: expected integer, got %T", key, v)
}
