package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// jsonTime marshals as ISO-8601 UTC and unmarshals either an ISO-8601
// string or an epoch-millisecond number, per spec.md §6.
type jsonTime time.Time

func (t jsonTime) Time() time.Time { return time.Time(t).UTC() }

func (t jsonTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("wire: empty time value")
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("wire: invalid time string: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("wire: invalid ISO-8601 time %q: %w", s, err)
		}
		*t = jsonTime(parsed.UTC())
		return nil
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("wire: invalid epoch-ms time %q: %w", string(data), err)
	}
	*t = jsonTime(time.UnixMilli(ms).UTC())
	return nil
}
