package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainrun/internal/diagram"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
	"github.com/rendis/chainrun/pkg/schema"
)

// handleExecute runs a chain definition, synchronously unless async is set.
func (s *ChainServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, err := decodeDefinition(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if s.validator != nil {
		if err := s.validator.ValidateDefinition(def); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	async := req.GetBool("async", false)
	clientID := req.GetString("client_id", "")
	if def.ID == "" && (async || clientID != "") {
		// The caller needs the ID before the run starts.
		def.ID = "chain_" + uuid.NewString()
	}

	stopForward := func() {}
	if clientID != "" {
		s.captureSession(ctx, clientID)
		stopForward = s.forwardEvents(ctx, clientID, def.ID)
	}

	if async {
		id, done, err := s.executor.StartDefinition(ctx, def)
		if err != nil {
			stopForward()
			return mcp.NewToolResultError(err.Error()), nil
		}
		go func() {
			<-done
			stopForward()
		}()
		return marshalResult(map[string]any{"chain_id": id, "status": schema.ChainStatusPending})
	}

	defer stopForward()
	res, err := s.executor.ExecuteDefinition(ctx, def)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(res)
}

// handleStatus returns the registry snapshot of a chain, falling back to the
// latest persisted run once the chain has been evicted.
func (s *ChainServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}

	res, err := s.lookupChain(ctx, chainID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(res)
}

func (s *ChainServer) handleListActive(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := s.executor.ListActive()
	if ids == nil {
		ids = []string{}
	}
	return marshalResult(map[string]any{"chain_ids": ids})
}

func (s *ChainServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	return marshalResult(map[string]any{
		"chain_id":  chainID,
		"cancelled": s.executor.Cancel(chainID),
	})
}

func (s *ChainServer) handleCleanup(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxAge, err := schema.ParseOptionalDuration(req.GetString("max_age", ""))
	if err != nil || maxAge < 0 {
		return mcp.NewToolResultError(fmt.Sprintf("invalid max_age %q", req.GetString("max_age", ""))), nil
	}
	return marshalResult(map[string]any{"evicted": s.executor.Cleanup(maxAge)})
}

// handleHistory lists persisted runs, or returns one run with its event log.
func (s *ChainServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("history is unavailable: no store configured"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		return s.runHistory(ctx, runID)
	}

	filter := store.ChainFilter{
		ChainID: req.GetString("chain_id", ""),
		Limit:   req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		cs := schema.ChainStatus(status)
		filter.Status = &cs
	}
	if mode := req.GetString("mode", ""); mode != "" {
		m := schema.Mode(mode)
		filter.Mode = &m
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: expected RFC3339", since)), nil
		}
		filter.Since = &t
	}

	runs, err := s.store.ListChains(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"chains": runs})
}

func (s *ChainServer) runHistory(ctx context.Context, runID string) (*mcp.CallToolResult, error) {
	res, err := s.store.GetChain(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}
	events, err := s.events.GetEvents(ctx, runID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
	}
	out := map[string]any{"chain": res, "events": events}

	steps, err := s.events.ReplayEvents(ctx, runID)
	if err != nil {
		// A gapped log still has useful events.
		out["replay_error"] = err.Error()
	} else {
		out["steps"] = steps
	}
	return marshalResult(out)
}

func (s *ChainServer) handlePlugins(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.plugins == nil {
		return marshalResult(map[string]any{"plugins": []any{}})
	}
	return marshalResult(map[string]any{"plugins": s.plugins.List()})
}

// handleDiagram draws a chain definition, a live chain or a persisted run.
func (s *ChainServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	var def *schema.ChainDefinition
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		if def, err = decodeDefinition(raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
	}

	var res *schema.ChainResult
	chainID := req.GetString("chain_id", "")
	runID := req.GetString("run_id", "")
	switch {
	case runID != "":
		if s.store == nil {
			return mcp.NewToolResultError("run lookup is unavailable: no store configured"), nil
		}
		if res, err = s.store.GetChain(ctx, runID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
	case chainID != "":
		if res, err = s.lookupChain(ctx, chainID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	case def == nil:
		return mcp.NewToolResultError("one of definition, chain_id or run_id is required"), nil
	}
	if req.GetString("include_status", "true") == "false" && def != nil {
		res = nil
	}

	model, err := diagram.Build(def, res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// lookupChain returns the registry snapshot of a chain, or its latest persisted run.
func (s *ChainServer) lookupChain(ctx context.Context, chainID string) (*schema.ChainResult, error) {
	if res, ok := s.executor.Status(chainID); ok {
		return res, nil
	}
	if s.store != nil {
		runs, err := s.store.ListChains(ctx, store.ChainFilter{ChainID: chainID, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("status query failed: %w", err)
		}
		if len(runs) > 0 {
			return runs[0], nil
		}
	}
	return nil, fmt.Errorf("chain %q not found", chainID)
}

// decodeDefinition converts the tool argument into a ChainDefinition, rejecting
// unknown fields.
func decodeDefinition(raw map[string]any) (*schema.ChainDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def schema.ChainDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// forwardEvents relays hub events for chainID to the client until the returned
// stop function is called. Buffered events are still delivered after stop.
func (s *ChainServer) forwardEvents(ctx context.Context, clientID, chainID string) func() {
	if s.hub == nil {
		return func() {}
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{ChainID: chainID})
	if err != nil {
		s.logger.Warn("event subscription failed", "chain_id", chainID, "error", err)
		return func() {}
	}

	notifyCtx := context.WithoutCancel(ctx)
	go func() {
		for ev := range ch {
			if err := s.notifier.Notify(notifyCtx, clientID, eventPayload(ev)); err != nil {
				s.logger.Debug("notify failed", "client_id", clientID, "event", ev.Type, "error", err)
			}
		}
	}()
	return cancel
}

func eventPayload(ev schema.Event) map[string]any {
	p := map[string]any{
		"chain_id":   ev.ChainID,
		"run_id":     ev.RunID,
		"type":       ev.Type,
		"step_index": ev.StepIndex,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.Target != "" {
		p["target"] = ev.Target
	}
	if len(ev.Payload) > 0 {
		p["payload"] = ev.Payload
	}
	return p
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *ChainServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
