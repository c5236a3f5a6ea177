package view

import (
	"time"

	"github.com/linnemanlabs/idswatch/internal/aggregate"
	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/incident"
)

// Snapshot is an immutable published view. Callers must not modify
// the slices; use the accessor copies when handing data out.
type Snapshot struct {
	Version   uint64              `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Alerts    []alert.Alert       `json:"alerts"`
	Incidents []incident.Incident `json:"incidents"`
	Summary   aggregate.Summary   `json:"summary"`

	index map[string]int
}

func newSnapshot(version uint64, at time.Time, alerts []alert.Alert, incidents []incident.Incident, summary aggregate.Summary) *Snapshot {
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	if incidents == nil {
		incidents = []incident.Incident{}
	}
	idx := make(map[string]int, len(alerts))
	for i := range alerts {
		idx[alerts[i].Key] = i
	}
	return &Snapshot{
		Version:   version,
		UpdatedAt: at,
		Alerts:    alerts,
		Incidents: incidents,
		Summary:   summary,
		index:     idx,
	}
}

// Alert returns a copy of the alert with key.
func (s *Snapshot) Alert(key string) (alert.Alert, bool) {
	i, ok := s.index[key]
	if !ok {
		return alert.Alert{}, false
	}
	return s.Alerts[i].Clone(), true
}

// Has reports whether key is part of the snapshot.
func (s *Snapshot) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Statuses returns the current status of every alert by key.
func (s *Snapshot) Statuses() map[string]alert.Status {
	out := make(map[string]alert.Status, len(s.Alerts))
	for i := range s.Alerts {
		out[s.Alerts[i].Key] = s.Alerts[i].Status
	}
	return out
}
