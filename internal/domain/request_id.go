package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidRequestID is returned when a vendor request id cannot be read as an integer.
var ErrInvalidRequestID = errors.New("invalid request id")

// RequestID is the vendor-assigned consent request id. The vendor sends it as a
// number, a numeric string, or a single-element array of either; it is stored and
// compared as int64.
type RequestID int64

// UnmarshalJSON accepts 123, "123" and [123].
func (r *RequestID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = 0
		return nil
	}
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	id, err := NormalizeRequestID(raw)
	if err != nil {
		return err
	}
	*r = RequestID(id)
	return nil
}

// Int64 returns the id as int64.
func (r RequestID) Int64() int64 { return int64(r) }

// NormalizeRequestID converts any vendor representation of a request id into int64.
func NormalizeRequestID(value interface{}) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("%w: missing", ErrInvalidRequestID)
	case RequestID:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		id, ok := floatRequestID(v)
		if !ok {
			return 0, fmt.Errorf("%w: %v", ErrInvalidRequestID, v)
		}
		return id, nil
	case json.Number:
		return parseRequestIDString(v.String())
	case string:
		return parseRequestIDString(v)
	case []interface{}:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: empty list", ErrInvalidRequestID)
		}
		return NormalizeRequestID(v[0])
	}
	return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidRequestID, value)
}

func parseRequestIDString(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidRequestID)
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err == nil {
		return id, nil
	}
	f, ferr := strconv.ParseFloat(trimmed, 64)
	if ferr != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRequestID, s)
	}
	id, ok := floatRequestID(f)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRequestID, s)
	}
	return id, nil
}

// floatRequestID converts whole floats that fit in int64. 2^63 itself does not fit.
func floatRequestID(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
