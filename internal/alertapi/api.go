// Package alertapi serves the alert view, incidents, aggregates and
// operator actions to the presentation layer.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/alertstore"
	"github.com/linnemanlabs/idswatch/internal/authmw"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
	"github.com/linnemanlabs/idswatch/internal/livesync"
	"github.com/linnemanlabs/idswatch/internal/mitre"
	"github.com/linnemanlabs/idswatch/internal/view"
)

// View is the read side of the view engine plus direct ingestion.
type View interface {
	Snapshot() *view.Snapshot
	Append(ctx context.Context, a alert.Alert) alertstore.Result
}

// StatusService applies and reports operator status changes.
type StatusService interface {
	SetStatus(ctx context.Context, key, status, actor string) (*lifecycle.Record, error)
	History(ctx context.Context, key string) ([]lifecycle.Record, error)
}

// Syncer exposes the live sync state and on-demand refresh.
type Syncer interface {
	Status() livesync.Status
	Refresh()
}

// Deps are the API's collaborators. View and Status are required. A nil
// Sync disables the sync endpoints; a nil KB selects mitre.Default. When
// Tokens is non-empty, mutating endpoints require a bearer token.
type Deps struct {
	View   View
	Status StatusService
	Sync   Syncer
	KB     *mitre.KB
	Tokens map[string]string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	view   View
	status StatusService
	sync   Syncer
	kb     *mitre.KB
	tokens map[string]string
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.View == nil {
		panic(xerrors.New("alert view is required"))
	}
	if deps.Status == nil {
		panic(xerrors.New("status service is required"))
	}
	if deps.KB == nil {
		deps.KB = mitre.Default()
	}
	return &API{
		logger: logger,
		view:   deps.View,
		status: deps.Status,
		sync:   deps.Sync,
		kb:     deps.KB,
		tokens: deps.Tokens,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{key}", a.handleGetAlert)
		r.Get("/alerts/{key}/history", a.handleHistory)
		r.Get("/incidents", a.handleIncidents)
		r.Get("/stats", a.handleStats)
		r.Get("/techniques/{id}", a.handleTechnique)
		r.Get("/sync", a.handleSyncStatus)

		r.Group(func(r chi.Router) {
			if len(a.tokens) > 0 {
				r.Use(authmw.BearerToken(a.tokens))
			}
			r.Post("/alerts", a.handleIngestAlert)
			r.Put("/alerts/{key}/status", a.handleSetStatus)
			r.Post("/sync", a.handleRefresh)
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
