package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainrun/internal/chain"
	"github.com/rendis/chainrun/internal/plugins"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
	"github.com/rendis/chainrun/pkg/schema"
)

// ServerVersion is reported to MCP clients during initialization.
var ServerVersion = "dev"

// ChainExecutor is the executor surface exposed over MCP. Satisfied by *chain.Executor.
type ChainExecutor interface {
	ExecuteDefinition(ctx context.Context, def *schema.ChainDefinition, extra ...chain.Option) (*schema.ChainResult, error)
	StartDefinition(ctx context.Context, def *schema.ChainDefinition, extra ...chain.Option) (string, <-chan *schema.ChainResult, error)
	Status(id string) (*schema.ChainResult, bool)
	ListActive() []string
	Cancel(id string) bool
	Cleanup(maxAge time.Duration) []string
}

// DefinitionValidator rejects malformed chain definitions before they run.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.ChainDefinition) error
}

// PluginLister lists registered plugins. Satisfied by *plugins.Registry.
type PluginLister interface {
	List() []plugins.Info
}

// ChainServerDeps holds the dependencies for creating a ChainServer.
// Store, Validator, Plugins and Hub are optional.
type ChainServerDeps struct {
	Executor  ChainExecutor
	Store     store.Store
	Validator DefinitionValidator
	Plugins   PluginLister
	Hub       streaming.EventHub
	Notifier  ClientNotifier
	Logger    *slog.Logger
}

// ChainServer wraps an MCP server with chain tool handlers.
type ChainServer struct {
	executor  ChainExecutor
	store     store.Store
	events    *store.EventLog
	validator DefinitionValidator
	plugins   PluginLister
	hub       streaming.EventHub
	notifier  ClientNotifier
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewChainServer creates a ChainServer with all tools registered.
func NewChainServer(deps ChainServerDeps) *ChainServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChainServer{
		executor:  deps.Executor,
		store:     deps.Store,
		validator: deps.Validator,
		plugins:   deps.Plugins,
		hub:       deps.Hub,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}
	if deps.Store != nil {
		s.events = store.NewEventLog(deps.Store)
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"chainrun",
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("chainrun executes chains of plugin steps. Use chain.execute to run a chain definition, chain.status to poll it, chain.cancel to stop it, chain.history to inspect past runs, chain.diagram to draw a chain and plugins.list to see available step targets."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChainServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChainServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ChainServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listActiveTool(), Handler: s.handleListActive},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: cleanupTool(), Handler: s.handleCleanup},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: pluginsTool(), Handler: s.handlePlugins},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("chain.execute",
		mcp.WithDescription("Execute a chain of plugin steps"),
		mcp.WithObject("definition", mcp.Required(),
			mcp.Description("Chain definition: id, mode, failure_policy, timeout, step_timeout, steps[{target, operation, args, kwargs, condition, timeout}]")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the chain id instead of waiting for the result")),
		mcp.WithString("client_id", mcp.Description("Receive chain events as notifications on this client's session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chain.status",
		mcp.WithDescription("Get the status of a chain"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the chain to query")),
	)
}

func listActiveTool() mcp.Tool {
	return mcp.NewTool("chain.list_active",
		mcp.WithDescription("List the IDs of running chains"),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("chain.cancel",
		mcp.WithDescription("Cancel a running chain"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the chain to cancel")),
	)
}

func cleanupTool() mcp.Tool {
	return mcp.NewTool("chain.cleanup",
		mcp.WithDescription("Evict finished chains from the in-memory registry"),
		mcp.WithString("max_age", mcp.Description("Only evict chains finished at least this long ago, e.g. 1h (default: 0s)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("chain.history",
		mcp.WithDescription("Query persisted chain runs, or one run with its events"),
		mcp.WithString("run_id", mcp.Description("Return a single run with its events and replayed step states")),
		mcp.WithString("chain_id", mcp.Description("Filter by chain ID")),
		mcp.WithString("status", mcp.Enum("pending", "running", "completed", "failed", "cancelled"), mcp.Description("Filter by status")),
		mcp.WithString("mode", mcp.Enum("sequential", "parallel", "conditional"), mcp.Description("Filter by mode")),
		mcp.WithString("since", mcp.Description("Only runs started at or after this RFC3339 time")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 50)")),
	)
}

func pluginsTool() mcp.Tool {
	return mcp.NewTool("plugins.list",
		mcp.WithDescription("List registered plugins and their operations"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("chain.diagram",
		mcp.WithDescription("Generate a diagram of a chain. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithObject("definition", mcp.Description("Chain definition to draw")),
		mcp.WithString("chain_id", mcp.Description("Chain to draw from the registry or its latest persisted run (includes runtime status by default)")),
		mcp.WithString("run_id", mcp.Description("Persisted run to draw")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("include_status", mcp.Description("Include runtime status overlay when a run is known (default: true)")),
	)
}
