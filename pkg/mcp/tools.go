package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/pkg/schema"
)

const defaultTenant = "default"

// handleDefine creates a draft definition or replaces the graph of an
// editable one.
func (s *JourneyServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphRaw := mcp.ParseStringMap(req, "graph", nil)
	if graphRaw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	var g schema.Graph
	if err := decodeInto(graphRaw, &g); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}

	var trigger *schema.TriggerSpec
	if triggerRaw := mcp.ParseStringMap(req, "trigger", nil); triggerRaw != nil {
		trigger = &schema.TriggerSpec{}
		if err := decodeInto(triggerRaw, trigger); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid trigger: %v", err)), nil
		}
	}

	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		def, err := s.definitions.UpdateGraph(ctx, workflowID, g, trigger)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"workflow_id":   def.ID,
			"graph_version": def.GraphVersion,
			"status":        def.Status,
		})
	}

	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required when creating a definition"), nil
	}
	if trigger == nil {
		return mcp.NewToolResultError("trigger is required when creating a definition"), nil
	}
	tenantID := req.GetString("tenant_id", defaultTenant)
	reentry := schema.ReentryPolicy(req.GetString("reentry_policy", ""))

	def, err := s.definitions.Create(ctx, tenantID, name, *trigger, reentry, g)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id":   def.ID,
		"graph_version": def.GraphVersion,
		"status":        def.Status,
	})
}

// handleLifecycle applies a definition lifecycle transition.
func (s *JourneyServer) handleLifecycle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "activate":
		def, actErr := s.definitions.Activate(ctx, workflowID)
		if actErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("activation failed: %v", actErr)), nil
		}
		return marshalResult(map[string]any{
			"workflow_id":   def.ID,
			"status":        def.Status,
			"graph_version": def.GraphVersion,
		})
	case "pause":
		if pauseErr := s.definitions.Pause(ctx, workflowID); pauseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", pauseErr)), nil
		}
	case "archive":
		if archiveErr := s.definitions.Archive(ctx, workflowID); archiveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("archive failed: %v", archiveErr)), nil
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}

	return marshalResult(map[string]any{"workflow_id": workflowID, "ok": true})
}

// handleEvent fans a domain event out to matching active definitions.
func (s *JourneyServer) handleEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	contactID, err := req.RequireString("contact_id")
	if err != nil {
		return mcp.NewToolResultError("contact_id is required"), nil
	}

	res, dispatchErr := s.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:            schema.TriggerType(eventType),
		TenantID:        req.GetString("tenant_id", defaultTenant),
		ContactID:       contactID,
		Payload:         mcp.ParseStringMap(req, "payload", nil),
		ExternalEventID: req.GetString("external_event_id", ""),
	})
	if dispatchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event dispatch failed: %v", dispatchErr)), nil
	}

	executionIDs := make([]string, 0, len(res.Executions))
	for _, exec := range res.Executions {
		executionIDs = append(executionIDs, exec.ID)
	}
	return marshalResult(map[string]any{
		"matched":       res.Matched,
		"enrolled":      res.Enrolled,
		"skipped":       res.Skipped,
		"execution_ids": executionIDs,
	})
}

// handleEnroll enrolls a contact into one specific workflow.
func (s *JourneyServer) handleEnroll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	contactID, err := req.RequireString("contact_id")
	if err != nil {
		return mcp.NewToolResultError("contact_id is required"), nil
	}
	tenantID := req.GetString("tenant_id", defaultTenant)

	contact, err := s.provider.GetContact(ctx, tenantID, contactID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("contact lookup failed: %v", err)), nil
	}

	exec, enrollErr := s.coordinator.Enroll(ctx, workflowID, contact,
		mcp.ParseStringMap(req, "payload", nil),
		req.GetString("external_event_id", ""))
	if enrollErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enrollment failed: %v", enrollErr)), nil
	}
	if exec == nil {
		return marshalResult(map[string]any{
			"enrolled": false,
			"reason":   "suppressed by re-entry policy or duplicate event",
		})
	}

	// Drive the fresh state immediately so the caller sees progress.
	states, listErr := s.store.ListStatesByExecution(ctx, exec.ID)
	if listErr == nil {
		for _, st := range states {
			procErr := s.coordinator.Process(ctx, st.ID)
			if procErr != nil && !schema.HasCode(procErr, schema.ErrCodeConcurrentMod) {
				s.logger.Error("flow state processing failed",
					"flow_state_id", st.ID, "error", procErr)
			}
		}
	}

	return marshalResult(map[string]any{
		"enrolled":      true,
		"execution_id":  exec.ID,
		"graph_version": exec.GraphVersion,
	})
}

// handleStatus returns an execution and its flow states.
func (s *JourneyServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", getErr)), nil
	}
	states, listErr := s.store.ListStatesByExecution(ctx, executionID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow state lookup failed: %v", listErr)), nil
	}

	return marshalResult(map[string]any{
		"execution":   exec,
		"flow_states": states,
	})
}

// handleLog reads the append-only execution log.
func (s *JourneyServer) handleLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.LogFilter{
		ExecutionID: req.GetString("execution_id", ""),
		FlowStateID: req.GetString("flow_state_id", ""),
		NodeID:      req.GetString("node_id", ""),
		Outcome:     schema.LogOutcome(req.GetString("outcome", "")),
		Limit:       req.GetInt("limit", 100),
	}
	if filter.ExecutionID == "" && filter.FlowStateID == "" {
		return mcp.NewToolResultError("log query requires execution_id or flow_state_id"), nil
	}

	entries, err := s.store.ListLogEntries(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"entries": entries})
}

// handleCancel cancels an execution.
func (s *JourneyServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.coordinator.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"execution_id": executionID, "cancelled": true})
}

// handleQuery lists workflow definitions.
func (s *JourneyServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.DefinitionFilter{
		TenantID:    req.GetString("tenant_id", ""),
		TriggerType: schema.TriggerType(req.GetString("trigger_type", "")),
		Limit:       req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		ds := schema.DefinitionStatus(status)
		filter.Status = &ds
	}

	defs, err := s.definitions.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	summaries := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, map[string]any{
			"workflow_id":   def.ID,
			"name":          def.Name,
			"status":        def.Status,
			"trigger_type":  def.Trigger.Type,
			"graph_version": def.GraphVersion,
			"node_count":    len(def.Graph.Nodes),
		})
	}
	return marshalResult(map[string]any{"definitions": summaries})
}

// --- Helpers ---

// decodeInto round-trips a loosely-typed map through JSON into a struct.
func decodeInto(raw map[string]any, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
