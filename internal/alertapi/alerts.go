package alertapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/authmw"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
)

// maxIngestBody caps direct ingestion payloads.
const maxIngestBody = 4 << 20

type alertList struct {
	Count  int           `json:"count"`
	Alerts []alert.Alert `json:"alerts"`
}

type ingestResponse struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	Keys       []string `json:"keys"`
	Errors     []string `json:"errors,omitempty"`
}

// handleIngestAlert appends one alert object or an array of them.
func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	var payloads []json.RawMessage
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
			return
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		payloads = []json.RawMessage{trimmed}
	default:
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	resp := ingestResponse{Keys: []string{}}
	for i, p := range payloads {
		al, err := alert.Decode(p)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, "alert "+strconv.Itoa(i)+": "+err.Error())
			continue
		}
		res := a.view.Append(r.Context(), al)
		if res.Rejected > 0 {
			resp.Rejected++
			for _, e := range res.Errors {
				resp.Errors = append(resp.Errors, "alert "+strconv.Itoa(i)+": "+e.Error())
			}
			continue
		}
		resp.Accepted += res.Accepted
		resp.Duplicates += res.Duplicates
		resp.Keys = append(resp.Keys, al.Key)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("idswatch.ingest.accepted", resp.Accepted),
		attribute.Int("idswatch.ingest.rejected", resp.Rejected),
	)

	if resp.Rejected > 0 {
		a.logger.Warn(r.Context(), "rejected malformed alerts on ingest", "rejected", resp.Rejected, "first", resp.Errors[0])
	}

	code := http.StatusAccepted
	if resp.Accepted == 0 && resp.Rejected > 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

type alertFilter struct {
	severities []alert.Severity
	attacks    []string
	sources    []string
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFilter(r *http.Request) (alertFilter, error) {
	q := r.URL.Query()
	var f alertFilter
	for _, s := range splitList(q.Get("severity")) {
		sev, err := alert.ParseSeverity(s)
		if err != nil {
			return f, err
		}
		f.severities = append(f.severities, sev)
	}
	for _, s := range splitList(q.Get("attack")) {
		f.attacks = append(f.attacks, strings.ToLower(s))
	}
	f.sources = splitList(q.Get("source_ip"))
	return f, nil
}

func (f alertFilter) match(al *alert.Alert) bool {
	if len(f.severities) > 0 && !slices.Contains(f.severities, al.Severity) {
		return false
	}
	if len(f.attacks) > 0 && !slices.Contains(f.attacks, strings.ToLower(al.AttackName)) {
		return false
	}
	if len(f.sources) > 0 && !slices.Contains(f.sources, al.SourceIP()) {
		return false
	}
	return true
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	newest := false
	switch q.Get("order") {
	case "", "oldest":
	case "newest":
		newest = true
	default:
		http.Error(w, `{"error":"order must be oldest or newest"}`, http.StatusBadRequest)
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"limit must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	snap := a.view.Snapshot()
	out := make([]alert.Alert, 0, len(snap.Alerts))
	for i := range snap.Alerts {
		if f.match(&snap.Alerts[i]) {
			out = append(out, snap.Alerts[i])
		}
	}
	if newest {
		slices.Reverse(out)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int64("idswatch.view.version", int64(snap.Version)), //nolint:gosec // version counter never exceeds int64
		attribute.Int("idswatch.alerts.returned", len(out)),
	)

	writeJSON(w, http.StatusOK, alertList{Count: len(out), Alerts: out})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("idswatch.alert.key", key))

	al, ok := a.view.Snapshot().Alert(key)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Record *lifecycle.Record `json:"record"`
	Alert  alert.Alert       `json:"alert"`
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("idswatch.alert.key", key))

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	actor, ok := authmw.Operator(r.Context())
	if !ok {
		actor = r.Header.Get("X-Operator")
	}

	rec, err := a.status.SetStatus(r.Context(), key, req.Status, actor)
	switch {
	case errors.Is(err, lifecycle.ErrUnknownAlert):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, lifecycle.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, lifecycle.ErrTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to set status", "key", key)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(
		attribute.String("idswatch.status.from", string(rec.From)),
		attribute.String("idswatch.status.to", string(rec.To)),
	)

	al, _ := a.view.Snapshot().Alert(key)
	writeJSON(w, http.StatusOK, statusResponse{Record: rec, Alert: al})
}

type historyResponse struct {
	Key     string             `json:"key"`
	Records []lifecycle.Record `json:"records"`
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("idswatch.alert.key", key))

	recs, err := a.status.History(r.Context(), key)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load status history", "key", key)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 && !a.view.Snapshot().Has(key) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if recs == nil {
		recs = []lifecycle.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Key: key, Records: recs})
}
