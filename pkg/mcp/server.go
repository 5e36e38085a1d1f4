package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/engine"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/internal/trigger"
)

// JourneyServerDeps holds the dependencies for creating a JourneyServer.
type JourneyServerDeps struct {
	Definitions *engine.Definitions
	Coordinator *engine.Coordinator
	Dispatcher  *trigger.Dispatcher
	Store       store.Store
	Provider    contacts.AttributeProvider
	Logger      *slog.Logger
}

// JourneyServer wraps an MCP server with workflow-automation tool handlers.
type JourneyServer struct {
	definitions *engine.Definitions
	coordinator *engine.Coordinator
	dispatcher  *trigger.Dispatcher
	store       store.Store
	provider    contacts.AttributeProvider
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewJourneyServer creates a new JourneyServer with all tools registered.
func NewJourneyServer(deps JourneyServerDeps) *JourneyServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &JourneyServer{
		definitions: deps.Definitions,
		coordinator: deps.Coordinator,
		dispatcher:  deps.Dispatcher,
		store:       deps.Store,
		provider:    deps.Provider,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"journey",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Journey is a workflow-automation engine that moves contacts through directed graphs of actions, conditions, waits, splits and goals. Use journey.define to author a workflow, journey.lifecycle to activate/pause/archive it, journey.event to deliver domain events, journey.enroll for manual enrollment, journey.status and journey.log to inspect executions, journey.cancel to stop one, and journey.query to list definitions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *JourneyServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *JourneyServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *JourneyServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: lifecycleTool(), Handler: s.handleLifecycle},
		{Tool: eventTool(), Handler: s.handleEvent},
		{Tool: enrollTool(), Handler: s.handleEnroll},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: logTool(), Handler: s.handleLog},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("journey.define",
		mcp.WithDescription("Create a draft workflow definition or replace the graph of an editable one"),
		mcp.WithString("name", mcp.Description("Workflow name (required when creating)")),
		mcp.WithString("workflow_id", mcp.Description("Existing workflow to update (omit to create)")),
		mcp.WithString("tenant_id", mcp.Description("Owning tenant (default: 'default')")),
		mcp.WithObject("trigger", mcp.Description("Trigger spec: {type, filter?}")),
		mcp.WithString("reentry_policy",
			mcp.Enum("skip", "queue_new", "restart"),
			mcp.Description("Re-entry policy for contacts already in the workflow (default: skip)"),
		),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph: {nodes, edges}")),
	)
}

func lifecycleTool() mcp.Tool {
	return mcp.NewTool("journey.lifecycle",
		mcp.WithDescription("Transition a workflow definition: activate (validates and freezes the graph), pause, or archive"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("activate", "pause", "archive"),
			mcp.Description("Lifecycle transition to apply"),
		),
	)
}

func eventTool() mcp.Tool {
	return mcp.NewTool("journey.event",
		mcp.WithDescription("Deliver a domain event; every active workflow with a matching trigger enrolls the contact"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("tag_added", "email_opened", "form_submitted", "deal_stage_changed", "webhook_received", "manual"),
			mcp.Description("Event type"),
		),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact the event is about")),
		mcp.WithString("tenant_id", mcp.Description("Owning tenant (default: 'default')")),
		mcp.WithObject("payload", mcp.Description("Event payload visible to trigger filters and interpolation")),
		mcp.WithString("external_event_id", mcp.Description("Delivery-unique ID for at-least-once deduplication")),
	)
}

func enrollTool() mcp.Tool {
	return mcp.NewTool("journey.enroll",
		mcp.WithDescription("Manually enroll a contact into a specific active workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Target workflow definition")),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact to enroll")),
		mcp.WithString("tenant_id", mcp.Description("Owning tenant (default: 'default')")),
		mcp.WithObject("payload", mcp.Description("Trigger payload for the execution")),
		mcp.WithString("external_event_id", mcp.Description("Delivery-unique ID for deduplication")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("journey.status",
		mcp.WithDescription("Get an execution's status and the flow states of its contacts"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func logTool() mcp.Tool {
	return mcp.NewTool("journey.log",
		mcp.WithDescription("Read the append-only execution log"),
		mcp.WithString("execution_id", mcp.Description("Filter by execution")),
		mcp.WithString("flow_state_id", mcp.Description("Filter by flow state")),
		mcp.WithString("node_id", mcp.Description("Filter by node")),
		mcp.WithString("outcome",
			mcp.Enum("success", "failure", "skipped"),
			mcp.Description("Filter by outcome"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default: 100)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("journey.cancel",
		mcp.WithDescription("Cancel an execution; its non-terminal flow states are exited"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("journey.query",
		mcp.WithDescription("List workflow definitions"),
		mcp.WithString("tenant_id", mcp.Description("Filter by tenant")),
		mcp.WithString("status",
			mcp.Enum("draft", "active", "paused", "archived"),
			mcp.Description("Filter by lifecycle status"),
		),
		mcp.WithString("trigger_type", mcp.Description("Filter by trigger type")),
		mcp.WithNumber("limit", mcp.Description("Maximum definitions to return (default: 50)")),
	)
}
