package alertapi

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/idswatch/internal/aggregate"
	"github.com/linnemanlabs/idswatch/internal/incident"
	"github.com/linnemanlabs/idswatch/internal/mitre"
)

type incidentList struct {
	Count     int                 `json:"count"`
	Incidents []incident.Incident `json:"incidents"`
}

func (a *API) handleIncidents(w http.ResponseWriter, r *http.Request) {
	snap := a.view.Snapshot()

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("idswatch.incidents", len(snap.Incidents)))

	writeJSON(w, http.StatusOK, incidentList{Count: len(snap.Incidents), Incidents: snap.Incidents})
}

type statsResponse struct {
	Version   uint64            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Summary   aggregate.Summary `json:"summary"`
	KillChain []mitre.Stage     `json:"kill_chain"`
	Tactics   []aggregate.Count `json:"tactics"`
	Used      []mitre.Technique `json:"techniques_used"`
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := a.view.Snapshot()
	writeJSON(w, http.StatusOK, statsResponse{
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
		Summary:   snap.Summary,
		KillChain: a.kb.Coverage(snap.Alerts),
		Tactics:   a.kb.TacticCounts(snap.Alerts),
		Used:      a.kb.Used(snap.Alerts),
	})
}

func (a *API) handleTechnique(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("idswatch.technique.id", id))

	t, ok := a.kb.Lookup(id)
	if !ok {
		http.Error(w, `{"error":"no intelligence available"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	if a.sync == nil {
		http.Error(w, `{"error":"live sync disabled"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, a.sync.Status())
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		http.Error(w, `{"error":"live sync disabled"}`, http.StatusServiceUnavailable)
		return
	}
	a.sync.Refresh()
	a.logger.Info(r.Context(), "manual resync requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}
