package persistence

import (
	"encoding/json"
	"time"

	"github.com/petrijr/nodeflow/pkg/api"
)

// EncodeState serializes state as a JSON object. Nil state encodes to "".
func EncodeState(s api.StateData) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeState is the inverse of EncodeState. JSON numbers decode as float64.
func DecodeState(data string) (api.StateData, error) {
	if data == "" {
		return nil, nil
	}
	var s api.StateData
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeJSON serializes any JSON-compatible value. Nil encodes to "".
func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeJSON unmarshals data into dst unless data is empty.
func DecodeJSON(data string, dst any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}

// UnixNano converts t to nanoseconds, mapping the zero time to 0.
func UnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromUnixNano is the inverse of UnixNano.
func FromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
