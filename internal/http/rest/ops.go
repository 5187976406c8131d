package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/italolelis/torbox_blackhole/internal/storage"
	"github.com/italolelis/torbox_blackhole/internal/telemetry"
	"github.com/italolelis/torbox_blackhole/internal/tracker"
)

// OpsHandler exposes the operational surface: liveness, metrics and the
// outcome history. There is deliberately no endpoint for enqueuing
// jobs; submissions only ever come from the watch directories.
type OpsHandler struct {
	store     *tracker.Store
	history   storage.HistoryReadRepository
	telemetry *telemetry.Telemetry
}

func NewOpsHandler(store *tracker.Store, history storage.HistoryReadRepository, tel *telemetry.Telemetry) *OpsHandler {
	return &OpsHandler{
		store:     store,
		history:   history,
		telemetry: tel,
	}
}

func (h *OpsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/history", h.HandleHistory)
	r.Handle("/metrics", h.telemetry.Handler())

	return r
}

// HandleHealth reports liveness and the current tracked-item count.
func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"tracked_items": h.store.Len(),
	})
}

// HandleHistory lists the recorded job outcomes, newest first.
func (h *OpsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.GetHistory()
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to load history", "err", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(records)
}
