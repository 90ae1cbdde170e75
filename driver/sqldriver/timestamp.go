package sqldriver

import (
	"fmt"
	"time"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
}

// parseTimestamp accepts what the supported drivers hand back for a timestamp column: a time.Time
// when the driver parses it, its text otherwise.
func parseTimestamp(value any) (time.Time, error) {
	var text string
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case []byte:
		text = string(v)
	case string:
		text = v
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp value of type %T", value)
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q has an unknown format", text)
}
