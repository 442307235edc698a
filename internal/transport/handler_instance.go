package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assent/internal/identity"
	"github.com/pitabwire/assent/internal/workflow"
	"github.com/pitabwire/assent/model"
)

func handleInstanceStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		var body struct {
			DefinitionID string         `json:"definition_id"`
			Version      int            `json:"version"`
			Category     string         `json:"category"`
			Data         map[string]any `json:"data"`
			Priority     string         `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := engine.Start(r.Context(), actor, workflow.StartRequest{
			DefinitionID:   body.DefinitionID,
			Version:        body.Version,
			Category:       body.Category,
			Data:           body.Data,
			Priority:       body.Priority,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceList(engine *workflow.Engine, dir *identity.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := queryInt(r, "page", 1)
		pageSize := queryInt(r, "page_size", 20)
		if pageSize > 100 {
			pageSize = 100
		}

		filter := workflow.Filter{
			DefinitionID: q.Get("definition_id"),
			Category:     q.Get("category"),
			Status:       q.Get("status"),
			Requester:    q.Get("requester"),
			Assignee:     q.Get("assignee"),
			Limit:        pageSize,
			Offset:       (page - 1) * pageSize,
		}

		instances, total, err := engine.List(r.Context(), filter)
		if err != nil {
			WriteError(w, err)
			return
		}

		summaries := make([]model.InstanceSummary, 0, len(instances))
		for i := range instances {
			s := instances[i].Summary()
			if dir != nil {
				s.RequesterName = dir.DisplayName(s.Requester)
			}
			summaries = append(summaries, s)
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": total,
			"page":        page,
			"page_size":   pageSize,
		})
	}
}

func handleInstanceGet(engine *workflow.Engine, dir *identity.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		resp := map[string]any{"instance": inst}
		if dir != nil {
			resp["requester_name"] = dir.DisplayName(inst.Requester)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleInstanceAdvance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Trigger string         `json:"trigger"`
			Comment string         `json:"comment"`
			Data    map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Trigger == "" {
			WriteError(w, model.NewBadRequestError("trigger is required"))
			return
		}

		inst, err := engine.Advance(r.Context(), actor, instanceID, workflow.AdvanceRequest{
			Trigger:        body.Trigger,
			Comment:        body.Comment,
			Data:           body.Data,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceCancel(engine *workflow.Engine) http.HandlerFunc {
	return statusChangeHandler(func(r *http.Request, actor *model.ActorContext, id, reason string) (model.ProcessInstance, error) {
		return engine.Cancel(r.Context(), actor, id, reason)
	})
}

func handleInstanceSuspend(engine *workflow.Engine) http.HandlerFunc {
	return statusChangeHandler(func(r *http.Request, actor *model.ActorContext, id, reason string) (model.ProcessInstance, error) {
		return engine.Suspend(r.Context(), actor, id, reason)
	})
}

func handleInstanceResume(engine *workflow.Engine) http.HandlerFunc {
	return statusChangeHandler(func(r *http.Request, actor *model.ActorContext, id, reason string) (model.ProcessInstance, error) {
		return engine.Resume(r.Context(), actor, id, reason)
	})
}

// statusChangeHandler factors the shared shape of cancel, suspend, and
// resume: a reason body, an actor, and an updated instance in response.
func statusChangeHandler(apply func(*http.Request, *model.ActorContext, string, string) (model.ProcessInstance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		inst, err := apply(r, actor, instanceID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceReroute(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		inst, err := engine.Reroute(r.Context(), actor, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceActions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.ActorContextFrom(r.Context())
		if actor == nil {
			WriteError(w, model.NewUnauthorizedError("missing actor context"))
			return
		}

		triggers, err := engine.AvailableTriggers(r.Context(), actor, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if triggers == nil {
			triggers = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
	}
}

func handleInstanceHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := engine.History(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
