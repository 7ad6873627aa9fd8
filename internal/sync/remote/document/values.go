package document

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kimhsiao/statsync/internal/models"
)

// Typed value keys of the document wire format.
const (
	kindNull      = "nullValue"
	kindBool      = "booleanValue"
	kindInteger   = "integerValue"
	kindDouble    = "doubleValue"
	kindString    = "stringValue"
	kindTimestamp = "timestampValue"
	kindArray     = "arrayValue"
	kindMap       = "mapValue"
	kindReference = "referenceValue"
	kindBytes     = "bytesValue"
	kindGeoPoint  = "geoPointValue"
)

// encodeValue converts a JSON-kind value into its typed form. Integral
// numbers are sent as integers.
func encodeValue(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{kindNull: nil}
	case bool:
		return map[string]any{kindBool: t}
	case string:
		return map[string]any{kindString: t}
	case int:
		return map[string]any{kindInteger: strconv.Itoa(t)}
	case int64:
		return map[string]any{kindInteger: strconv.FormatInt(t, 10)}
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return map[string]any{kindInteger: strconv.FormatInt(int64(t), 10)}
		}
		return map[string]any{kindDouble: t}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return map[string]any{kindInteger: strconv.FormatInt(n, 10)}
		}
		f, _ := t.Float64()
		return encodeValue(f)
	case time.Time:
		return map[string]any{kindTimestamp: t.UTC().Format(time.RFC3339Nano)}
	case []any:
		values := make([]map[string]any, len(t))
		for i, item := range t {
			values[i] = encodeValue(item)
		}
		return map[string]any{kindArray: map[string]any{"values": values}}
	case map[string]any:
		return map[string]any{kindMap: map[string]any{"fields": encodeFields(t)}}
	case models.Fields:
		return encodeValue(map[string]any(t))
	default:
		// Anything else goes through its JSON form.
		data, err := json.Marshal(t)
		if err != nil {
			return map[string]any{kindString: fmt.Sprint(t)}
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return map[string]any{kindString: string(data)}
		}
		return encodeValue(generic)
	}
}

func encodeFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

// encodeEntity builds the document fields for e. Timestamps travel as
// timestamp values.
func encodeEntity(e *models.Entity) map[string]any {
	fields := encodeFields(e.Fields)
	fields[models.FieldID] = encodeValue(e.ID)
	fields[models.FieldCreatedAt] = encodeValue(e.CreatedAt)
	fields[models.FieldUpdatedAt] = encodeValue(e.UpdatedAt)
	fields[models.FieldVersion] = encodeValue(e.Version)
	fields[models.FieldSyncStatus] = encodeValue(string(e.SyncStatus))
	fields[models.FieldChecksum] = encodeValue(e.Checksum)
	return fields
}

// decodeValue converts a typed value back into a JSON kind. Integers
// decode as float64 like any other JSON number.
func decodeValue(raw any) (any, error) {
	typed, ok := raw.(map[string]any)
	if !ok || len(typed) != 1 {
		return nil, fmt.Errorf("malformed typed value %v", raw)
	}
	for kind, v := range typed {
		switch kind {
		case kindNull:
			return nil, nil
		case kindBool:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: expected bool, got %T", kind, v)
			}
			return b, nil
		case kindInteger:
			switch n := v.(type) {
			case string:
				i, err := strconv.ParseInt(n, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", kind, err)
				}
				return float64(i), nil
			case float64:
				return n, nil
			}
			return nil, fmt.Errorf("%s: unexpected %T", kind, v)
		case kindDouble:
			switch n := v.(type) {
			case float64:
				return n, nil
			case string:
				f, err := strconv.ParseFloat(n, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", kind, err)
				}
				return f, nil
			}
			return nil, fmt.Errorf("%s: unexpected %T", kind, v)
		case kindString, kindTimestamp, kindReference, kindBytes:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected string, got %T", kind, v)
			}
			return s, nil
		case kindGeoPoint:
			return v, nil
		case kindArray:
			arr, _ := v.(map[string]any)
			items, _ := arr["values"].([]any)
			out := make([]any, len(items))
			for i, item := range items {
				d, err := decodeValue(item)
				if err != nil {
					return nil, err
				}
				out[i] = d
			}
			return out, nil
		case kindMap:
			m, _ := v.(map[string]any)
			fields, _ := m["fields"].(map[string]any)
			return decodeFields(fields)
		default:
			return nil, fmt.Errorf("unknown value kind %q", kind)
		}
	}
	return nil, nil
}

func decodeFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		d, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

// wireDocument is a stored document as returned by the REST API and the
// change feed.
type wireDocument struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
}

// decodeDocument rebuilds an entity. The id falls back to the last
// segment of the document name.
func decodeDocument(doc wireDocument) (*models.Entity, error) {
	m, err := decodeFields(doc.Fields)
	if err != nil {
		return nil, err
	}
	e, err := models.EntityFromMap(m)
	if err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = lastSegment(doc.Name)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("document without id")
	}
	return e, nil
}

func lastSegment(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
