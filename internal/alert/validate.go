package alert

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed matches every *MalformedError via errors.Is.
var ErrMalformed = errors.New("malformed alert")

// MalformedError describes why a record was rejected at ingestion.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed alert: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrMalformed) match.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// Validate checks the fields every downstream view depends on. It also
// normalizes severity and status casing in place.
func Validate(a *Alert) error {
	if a.Timestamp.IsZero() {
		return &MalformedError{Field: "timestamp", Reason: "missing"}
	}
	if strings.TrimSpace(a.AttackName) == "" {
		return &MalformedError{Field: "attack_name", Reason: "missing"}
	}

	sev, err := ParseSeverity(string(a.Severity))
	if err != nil {
		return &MalformedError{Field: "severity", Reason: err.Error()}
	}
	a.Severity = sev

	// status is optional on the wire, absent means new
	if a.Status != "" {
		st, err := ParseStatus(string(a.Status))
		if err != nil {
			return &MalformedError{Field: "status", Reason: err.Error()}
		}
		a.Status = st
	}

	if a.Source.Port < 0 || a.Source.Port > 65535 {
		return &MalformedError{Field: "source.port", Reason: fmt.Sprintf("out of range: %d", a.Source.Port)}
	}
	if a.Destination.Port < 0 || a.Destination.Port > 65535 {
		return &MalformedError{Field: "destination.port", Reason: fmt.Sprintf("out of range: %d", a.Destination.Port)}
	}
	return nil
}
