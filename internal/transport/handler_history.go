package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assent/internal/workflow"
	"github.com/pitabwire/assent/model"
)

// handleActorHistory returns the actions one actor performed across all
// instances inside a time window. The window defaults to the last 30 days.
func handleActorHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := chi.URLParam(r, "actor")

		to := time.Now().UTC()
		from := to.Add(-30 * 24 * time.Hour)

		if v := r.URL.Query().Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteError(w, model.NewBadRequestError("from must be an RFC 3339 timestamp"))
				return
			}
			from = t
		}
		if v := r.URL.Query().Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteError(w, model.NewBadRequestError("to must be an RFC 3339 timestamp"))
				return
			}
			to = t
		}
		if !to.After(from) {
			WriteError(w, model.NewBadRequestError("to must be after from"))
			return
		}

		entries, err := engine.EntriesByActor(r.Context(), subject, from, to)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"actor": subject,
			"from":  from,
			"to":    to,
			"data":  entries,
		})
	}
}
