package transport

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/model"
)

func handleDefinitionPublish(store *definition.Store, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			WriteError(w, model.NewBadRequestError("failed to read request body"))
			return
		}

		def, err := definition.Parse(body)
		if err != nil {
			if metrics != nil {
				metrics.RecordDefinitionPublish("invalid")
			}
			WriteError(w, model.NewBadRequestError(err.Error()))
			return
		}

		published, err := store.Publish(r.Context(), def)
		if err != nil {
			if metrics != nil {
				metrics.RecordDefinitionPublish("invalid")
			}
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordDefinitionPublish("ok")
			metrics.SetDefinitionsLoaded(float64(store.Count()))
		}
		WriteJSON(w, http.StatusCreated, published)
	}
}

// handleDefinitionList returns the latest version of every known
// definition, including deactivated ones.
func handleDefinitionList(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest := map[string]model.WorkflowDefinition{}
		var order []string
		for _, def := range store.All() {
			if _, seen := latest[def.ID]; !seen {
				order = append(order, def.ID)
			}
			if def.Version >= latest[def.ID].Version {
				latest[def.ID] = def
			}
		}

		out := make([]model.WorkflowDefinition, 0, len(order))
		for _, id := range order {
			out = append(out, latest[id])
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleDefinitionGet(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")

		version := 0
		if v := r.URL.Query().Get("version"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				WriteError(w, model.NewBadRequestError("version must be a non-negative integer"))
				return
			}
			version = n
		}

		def, err := store.Get(id, version)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionDeactivate(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")
		if err := store.Deactivate(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	}
}
