package transcript

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold disambiguates numeric timestamps: values at or above
// it are epoch milliseconds, below it epoch seconds. 1e11 seconds is the
// year 5138, 1e11 milliseconds is 1973.
const epochMillisThreshold = 1e11

var stringLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// NormalizeTimestamp parses a raw timestamp as the remote log returns it:
// a JSON number (epoch seconds or milliseconds), a JSON string holding an
// ISO-like instant, a "YYYY-MM-DD HH:MM:SS" string, or a numeric string.
// It returns nil for anything unparseable - never the current wall clock.
func NormalizeTimestamp(raw json.RawMessage) *time.Time {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var numeric float64
	if err := json.Unmarshal(raw, &numeric); err == nil {
		return fromEpoch(numeric)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return NormalizeString(text)
	}
	return nil
}

// NormalizeString parses the string timestamp forms accepted by
// NormalizeTimestamp.
func NormalizeString(text string) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if numeric, err := strconv.ParseFloat(text, 64); err == nil {
		return fromEpoch(numeric)
	}
	for _, layout := range stringLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

func fromEpoch(value float64) *time.Time {
	if value <= 0 {
		return nil
	}
	var parsed time.Time
	if value >= epochMillisThreshold {
		parsed = time.UnixMilli(int64(value)).UTC()
	} else {
		parsed = time.Unix(int64(value), 0).UTC()
	}
	return &parsed
}
