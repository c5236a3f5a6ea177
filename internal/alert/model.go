// Package alert defines the detection record shared by every idswatch
// component: severity and status enums, endpoint descriptors, identity
// keys and ingestion-boundary validation.
package alert

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the detection severity. Ordered low < medium < high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severities lists the known severities in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh}

// Rank returns the ordinal of s, or 0 when s is not a known severity.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity normalizes a wire value into a Severity.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Status tracks the operator investigation state of an alert.
type Status string

const (
	// StatusNew is assigned on first ingestion
	StatusNew Status = "new"

	// StatusInvestigating means an operator picked the alert up
	StatusInvestigating Status = "investigating"

	// StatusResolved means the operator closed it
	StatusResolved Status = "resolved"
)

// Rank returns the lifecycle position of s, or 0 when s is not a known status.
func (s Status) Rank() int {
	switch s {
	case StatusNew:
		return 1
	case StatusInvestigating:
		return 2
	case StatusResolved:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() > 0 }

// ParseStatus normalizes a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Endpoint is one side of the observed connection.
type Endpoint struct {
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`
}

// String renders ip:port, or just the ip when the port is unknown.
func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.IP
	}
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Traffic holds the measured flow characteristics behind a detection.
type Traffic struct {
	PacketSize int     `json:"packet_size,omitempty"`
	TCPFlags   string  `json:"tcp_flags,omitempty"`
	PacketRate float64 `json:"packet_rate,omitempty"`
	ByteRate   float64 `json:"byte_rate,omitempty"`
}

// Alert is one detection event.
type Alert struct {
	Key            string    `json:"key,omitempty"`
	ID             string    `json:"id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	AttackName     string    `json:"attack_name"`
	AlertType      string    `json:"alert_type,omitempty"`
	MitreTechnique string    `json:"mitre_technique,omitempty"`
	Severity       Severity  `json:"severity"`
	AnomalyScore   *float64  `json:"anomaly_score,omitempty"`
	Source         Endpoint  `json:"source"`
	Destination    Endpoint  `json:"destination"`
	Traffic        *Traffic  `json:"traffic,omitempty"`
	Status         Status    `json:"status,omitempty"`
}

// UnknownSource is the grouping key used when an alert carries no source IP.
const UnknownSource = "unknown"

// SourceIP returns the source address or UnknownSource.
func (a *Alert) SourceIP() string {
	if ip := strings.TrimSpace(a.Source.IP); ip != "" {
		return ip
	}
	return UnknownSource
}

// Clone returns a deep copy so callers can never reach stored pointers.
func (a *Alert) Clone() Alert {
	cp := *a
	if a.Traffic != nil {
		t := *a.Traffic
		cp.Traffic = &t
	}
	if a.AnomalyScore != nil {
		v := *a.AnomalyScore
		cp.AnomalyScore = &v
	}
	return cp
}

// CloneAll deep-copies a slice of alerts.
func CloneAll(in []Alert) []Alert {
	out := make([]Alert, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
