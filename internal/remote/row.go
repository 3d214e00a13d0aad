package remote

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"time"
)

// Row is a single remote record keyed by column name. Values arrive with
// whatever concrete types the backend produces, so read them through the
// typed accessors.
type Row map[string]any

// Text returns the column as a string, "" if absent.
func (r Row) Text(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an int64, 0 if absent or not numeric.
// Timestamps are returned as unix milliseconds.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case time.Time:
		return v.UnixMilli()
	case nil:
		return 0
	}
	rv := reflect.ValueOf(r[col])
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float())
	}
	return 0
}

// Bool returns the column as a bool.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case nil:
		return false
	default:
		return r.Int64(col) != 0
	}
}

// Bytes decodes a base64 text column, or returns a binary column as-is.
func (r Row) Bytes(col string) ([]byte, error) {
	switch v := r[col].(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("column %s: unexpected type %T", col, v)
	}
}

// Strings returns a list column as strings.
func (r Row) Strings(col string) []string {
	switch v := r[col].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
