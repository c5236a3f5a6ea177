package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// zone-less layouts emitted by the detection core, interpreted as UTC
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339, a zone-less ISO 8601 timestamp
// (treated as UTC) or a decimal count of Unix seconds.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return unixSeconds(f)
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func unixSeconds(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %v", f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

type alertAlias Alert

// UnmarshalJSON decodes the wire form, normalizing the timestamp.
func (a *Alert) UnmarshalJSON(data []byte) error {
	aux := struct {
		Timestamp json.RawMessage `json:"timestamp"`
		*alertAlias
	}{alertAlias: (*alertAlias)(a)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.Timestamp)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		a.Timestamp = time.Time{}
		return nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return &MalformedError{Field: "timestamp", Reason: err.Error()}
		}
	} else {
		s = string(raw)
	}

	t, err := ParseTimestamp(s)
	if err != nil {
		return &MalformedError{Field: "timestamp", Reason: err.Error()}
	}
	a.Timestamp = t
	return nil
}

// Decode parses one alert payload, validates it and assigns its key.
func Decode(payload []byte) (Alert, error) {
	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		var me *MalformedError
		if errors.As(err, &me) {
			return Alert{}, err
		}
		return Alert{}, &MalformedError{Field: "payload", Reason: err.Error()}
	}
	if err := Validate(&a); err != nil {
		return Alert{}, err
	}
	a.Key = IdentityKey(&a)
	return a, nil
}
