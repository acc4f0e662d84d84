package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainrun/internal/diagram"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/pkg/schema"
)

const defaultRunLimit = 50

func (s *Server) handleListActive(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Executor.ListActive()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain_ids": ids})
}

// handleExecute runs a chain definition. With "async" set it answers 202 as
// soon as the chain is accepted.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Definition *schema.ChainDefinition `json:"definition"`
		Async      bool                    `json:"async"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	def := body.Definition
	if def == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(def); err != nil {
			writeChainError(w, err)
			return
		}
	}

	if body.Async {
		if def.ID == "" {
			def.ID = "chain_" + uuid.NewString()
		}
		id, _, err := s.deps.Executor.StartDefinition(r.Context(), def)
		if err != nil {
			writeChainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"chain_id": id, "status": schema.ChainStatusPending})
		return
	}

	res, err := s.deps.Executor.ExecuteDefinition(r.Context(), def)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.lookupChain(r.Context(), r.PathValue("id"))
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"chain_id":  id,
		"cancelled": s.deps.Executor.Cancel(id),
	})
}

// handleDiagram draws a chain with its runtime status. ?format= selects
// ascii (default), mermaid or image.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	res, err := s.lookupChain(r.Context(), r.PathValue("id"))
	if err != nil {
		writeChainError(w, err)
		return
	}
	model, err := diagram.Build(nil, res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "image":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("image render failed: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

// lookupChain returns the registry snapshot of a chain, or its latest persisted run.
func (s *Server) lookupChain(ctx context.Context, id string) (*schema.ChainResult, error) {
	if res, ok := s.deps.Executor.Status(id); ok {
		return res, nil
	}
	if s.deps.Store != nil {
		runs, err := s.deps.Store.ListChains(ctx, store.ChainFilter{ChainID: id, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			return runs[0], nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "chain %q not found", id)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not configured")
		return
	}

	q := r.URL.Query()
	filter := store.ChainFilter{
		ChainID: q.Get("chain_id"),
		Limit:   queryInt(r, "limit", defaultRunLimit),
		Offset:  queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		st := schema.ChainStatus(v)
		filter.Status = &st
	}
	if v := q.Get("mode"); v != "" {
		m := schema.Mode(v)
		filter.Mode = &m
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q: expected RFC3339", v))
			return
		}
		filter.Since = &t
	}

	runs, err := s.deps.Store.ListChains(r.Context(), filter)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not configured")
		return
	}
	runID := r.PathValue("id")
	res, err := s.deps.Store.GetChain(r.Context(), runID)
	if err != nil {
		writeChainError(w, err)
		return
	}
	events, err := s.events.GetEvents(r.Context(), runID, 0)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain": res, "events": events})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Plugins == nil {
		writeJSON(w, http.StatusOK, map[string]any{"plugins": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.deps.Plugins.List()})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules are not configured")
		return
	}
	filter := store.ScheduledJobFilter{Limit: queryInt(r, "limit", 0)}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
}

// handleCreateSchedule registers a chain definition under a cron expression.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules are not configured")
		return
	}

	var body struct {
		ID         string                  `json:"id"`
		Schedule   string                  `json:"schedule"`
		Definition *schema.ChainDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}
	if body.Schedule == "" {
		body.Schedule = body.Definition.Schedule
	}
	if body.Schedule == "" {
		writeError(w, http.StatusBadRequest, "schedule is required")
		return
	}
	if body.ID == "" {
		body.ID = body.Definition.ID
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(body.Definition); err != nil {
			writeChainError(w, err)
			return
		}
	}

	job, err := s.deps.Scheduler.Register(r.Context(), body.ID, body.Schedule, body.Definition)
	if err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules are not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Scheduler.Unregister(r.Context(), id); err != nil {
		writeChainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
