// Package incident groups alerts into incidents by originating address
// and detects severity escalation between two computations.
package incident

import (
	"time"

	"github.com/linnemanlabs/idswatch/internal/alert"
)

// Incident is the derived group of alerts sharing a source IP.
type Incident struct {
	SourceIP        string         `json:"source_ip"`
	Alerts          []alert.Alert  `json:"alerts"`
	HighestSeverity alert.Severity `json:"highest_severity"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	Open            int            `json:"open"`
	Techniques      []string       `json:"techniques,omitempty"`
}

// Correlate groups alerts by source IP in ingestion order. FirstSeen is
// the timestamp of the first member and LastSeen that of the last member
// processed; member timestamps are not assumed to be ordered. The
// severity of an incident only rises within one computation.
func Correlate(alerts []alert.Alert) []Incident {
	idx := make(map[string]int)
	out := make([]Incident, 0)
	seenTech := make(map[string]map[string]struct{})

	for i := range alerts {
		a := &alerts[i]
		ip := a.SourceIP()

		n, ok := idx[ip]
		if !ok {
			n = len(out)
			idx[ip] = n
			out = append(out, Incident{
				SourceIP:        ip,
				HighestSeverity: a.Severity,
				FirstSeen:       a.Timestamp,
			})
			seenTech[ip] = make(map[string]struct{})
		}

		inc := &out[n]
		inc.Alerts = append(inc.Alerts, a.Clone())
		inc.LastSeen = a.Timestamp
		if a.Severity.Rank() > inc.HighestSeverity.Rank() {
			inc.HighestSeverity = a.Severity
		}
		if a.Status != alert.StatusResolved {
			inc.Open++
		}
		if t := a.MitreTechnique; t != "" {
			if _, dup := seenTech[ip][t]; !dup {
				seenTech[ip][t] = struct{}{}
				inc.Techniques = append(inc.Techniques, t)
			}
		}
	}
	return out
}

// Escalation is an incident whose highest severity rose, or that is new.
type Escalation struct {
	Incident Incident       `json:"incident"`
	Previous alert.Severity `json:"previous,omitempty"`
}

// New reports whether the incident did not exist in the prior computation.
func (e Escalation) New() bool { return e.Previous == "" }

// Escalations compares two computations and returns, in next's order,
// the incidents that appeared or whose highest severity increased.
func Escalations(prev, next []Incident) []Escalation {
	before := make(map[string]alert.Severity, len(prev))
	for i := range prev {
		before[prev[i].SourceIP] = prev[i].HighestSeverity
	}

	var out []Escalation
	for i := range next {
		inc := next[i]
		old, ok := before[inc.SourceIP]
		if !ok || inc.HighestSeverity.Rank() > old.Rank() {
			out = append(out, Escalation{Incident: inc, Previous: old})
		}
	}
	return out
}
