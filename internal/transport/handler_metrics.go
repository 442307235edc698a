package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assent/internal/analytics"
	"github.com/pitabwire/assent/model"
)

// handleDefinitionMetrics serves aggregated performance metrics for one
// definition. Without a window parameter the periodically refreshed
// snapshot is returned; ?window=<duration> forces a fresh computation over
// the trailing window.
func handleDefinitionMetrics(agg *analytics.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, model.NewNotFoundError("analytics is disabled"))
			return
		}
		definitionID := chi.URLParam(r, "definitionId")

		var window model.MetricsWindow
		if v := r.URL.Query().Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				WriteError(w, model.NewBadRequestError("window must be a positive duration such as 720h"))
				return
			}
			now := time.Now().UTC()
			window = model.MetricsWindow{From: now.Add(-d), To: now}
		}

		metrics, err := agg.Metrics(r.Context(), definitionID, window)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, metrics)
	}
}
