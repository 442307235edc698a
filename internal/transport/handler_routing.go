package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/model"
)

// handleRoutingProbe dry-runs approval chain computation against a
// definition and candidate request data, returning the per-rule evaluation
// trace. Nothing is persisted.
func handleRoutingProbe(defs *definition.Store, router *routing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		var body struct {
			DefinitionID string         `json:"definition_id"`
			Version      int            `json:"version"`
			Data         map[string]any `json:"data"`
			Requester    string         `json:"requester"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.DefinitionID == "" {
			WriteError(w, model.NewBadRequestError("definition_id is required"))
			return
		}

		def, err := defs.Get(body.DefinitionID, body.Version)
		if err != nil {
			WriteError(w, err)
			return
		}

		// Probes may impersonate a requester so admins can answer "who
		// would approve this request" without submitting it.
		probeActor := actor
		if body.Requester != "" {
			probeActor = &model.ActorContext{Subject: body.Requester}
		}

		result := router.Probe(&def, body.Data, probeActor)
		WriteJSON(w, http.StatusOK, result)
	}
}
