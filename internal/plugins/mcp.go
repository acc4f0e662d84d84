package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/chainrun/pkg/schema"
)

// MCPServerConfig describes how to launch an MCP server whose tools become plugins.
type MCPServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// toolClient is the subset of the mcp-go client used by MCPManager.
type toolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a client connection for cfg.
type DialFunc func(ctx context.Context, cfg MCPServerConfig) (toolClient, error)

// Plugin status values reported by MCPManager.Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusCrashed   = "crashed"
)

// MCPManager launches MCP servers and exposes each of their tools as a plugin
// named "<server>.<tool>".
type MCPManager struct {
	registry       *Registry
	dial           DialFunc
	logger         *slog.Logger
	healthInterval time.Duration

	mu      sync.RWMutex
	servers map[string]*managedServer
}

type managedServer struct {
	config   MCPServerConfig
	client   toolClient
	status   string
	errCount int
	lastErr  string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMCPManager creates a manager that registers discovered tools into registry.
func NewMCPManager(registry *Registry, logger *slog.Logger) *MCPManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPManager{
		registry:       registry,
		dial:           dialStdio,
		logger:         logger,
		healthInterval: 30 * time.Second,
		servers:        make(map[string]*managedServer),
	}
}

func dialStdio(ctx context.Context, cfg MCPServerConfig) (toolClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Load starts the server, performs the MCP handshake and registers its tools.
func (m *MCPManager) Load(ctx context.Context, cfg MCPServerConfig) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "mcp server requires name and command")
	}

	m.mu.Lock()
	if _, exists := m.servers[cfg.Name]; exists {
		m.mu.Unlock()
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "mcp server %q already loaded", cfg.Name)
	}
	m.mu.Unlock()

	c, tools, err := m.connect(ctx, cfg)
	if err != nil {
		return 0, err
	}

	ms := &managedServer{config: cfg, client: c, status: StatusHealthy}
	n, err := m.registry.RegisterPrefixed(cfg.Name, m.toolPlugins(ms, tools))
	if err != nil {
		m.registry.Unregister(cfg.Name)
		_ = c.Close()
		return 0, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ms.cancel = cancel
	ms.done = make(chan struct{})

	m.mu.Lock()
	m.servers[cfg.Name] = ms
	m.mu.Unlock()

	go m.healthLoop(loopCtx, ms)

	m.logger.Info("mcp server loaded", slog.String("server", cfg.Name), slog.Int("tools", n))
	return n, nil
}

func (m *MCPManager) connect(ctx context.Context, cfg MCPServerConfig) (toolClient, []mcp.Tool, error) {
	c, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodePluginUnavailable, "start mcp server %q: %s", cfg.Name, err.Error()).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "chainrun", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, nil, schema.NewErrorf(schema.ErrCodePluginUnavailable, "initialize mcp server %q: %s", cfg.Name, err.Error()).WithCause(err)
	}

	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, nil, schema.NewErrorf(schema.ErrCodePluginUnavailable, "list tools of %q: %s", cfg.Name, err.Error()).WithCause(err)
	}
	return c, res.Tools, nil
}

func (m *MCPManager) toolPlugins(ms *managedServer, tools []mcp.Tool) []Plugin {
	out := make([]Plugin, 0, len(tools))
	for _, tl := range tools {
		in, _ := json.Marshal(tl.InputSchema)
		out = append(out, &mcpToolPlugin{
			name:        tl.Name,
			description: tl.Description,
			inputSchema: in,
			manager:     m,
			server:      ms.config.Name,
		})
	}
	return out
}

// healthLoop pings the server and restarts it after three consecutive failures.
func (m *MCPManager) healthLoop(ctx context.Context, ms *managedServer) {
	defer close(ms.done)
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.clientFor(ms).Ping(pingCtx)
		cancel()

		m.mu.Lock()
		if err == nil {
			ms.errCount = 0
			ms.status = StatusHealthy
			m.mu.Unlock()
			continue
		}
		ms.errCount++
		ms.lastErr = err.Error()
		if ms.errCount < 3 {
			m.mu.Unlock()
			continue
		}
		ms.status = StatusUnhealthy
		m.mu.Unlock()

		m.logger.Warn("mcp server unhealthy", slog.String("server", ms.config.Name), slog.String("error", err.Error()))
		if !m.restart(ctx, ms) {
			return
		}
	}
}

// restart reconnects with exponential backoff: min(1s * 2^errCount, 60s).
// Tools keep their registry entries; calls are routed to the new client.
func (m *MCPManager) restart(ctx context.Context, ms *managedServer) bool {
	m.mu.Lock()
	ms.status = StatusCrashed
	errCount := ms.errCount
	m.mu.Unlock()

	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(60*time.Second),
	))
	m.logger.Info("restarting mcp server", slog.String("server", ms.config.Name), slog.Duration("backoff", delay))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}

	c, _, err := m.connect(ctx, ms.config)
	if err != nil {
		m.logger.Error("failed to restart mcp server", slog.String("server", ms.config.Name), slog.String("error", err.Error()))
		m.mu.Lock()
		ms.lastErr = err.Error()
		m.mu.Unlock()
		return true
	}

	m.mu.Lock()
	old := ms.client
	ms.client = c
	ms.status = StatusHealthy
	ms.errCount = 0
	m.mu.Unlock()
	_ = old.Close()
	return true
}

func (m *MCPManager) clientFor(ms *managedServer) toolClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ms.client
}

// Stop closes one server and unregisters its tools.
func (m *MCPManager) Stop(name string) error {
	m.mu.Lock()
	ms, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q not loaded", name)
	}
	delete(m.servers, name)
	m.mu.Unlock()

	ms.cancel()
	<-ms.done
	m.registry.Unregister(name)

	m.logger.Info("mcp server stopped", slog.String("server", name))
	return m.clientFor(ms).Close()
}

// StopAll stops every loaded server.
func (m *MCPManager) StopAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(name); err != nil {
			lastErr = err
			m.logger.Error("failed to stop mcp server", slog.String("server", name), slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// Status returns the health of every loaded server.
func (m *MCPManager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.servers))
	for name, ms := range m.servers {
		out[name] = ms.status
	}
	return out
}

func (m *MCPManager) server(name string) (*managedServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.servers[name]
	return ms, ok
}

// mcpToolPlugin exposes one MCP tool as a plugin.
type mcpToolPlugin struct {
	name        string
	description string
	inputSchema json.RawMessage
	manager     *MCPManager
	server      string
}

func (p *mcpToolPlugin) Name() string { return p.name }

func (p *mcpToolPlugin) Schema() Schema {
	return Schema{Description: p.description, InputSchema: p.inputSchema}
}

func (p *mcpToolPlugin) Invoke(ctx context.Context, req Request) (any, error) {
	ms, ok := p.manager.server(p.server)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePluginUnavailable, "mcp server %q not loaded", p.server)
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = p.name
	call.Params.Arguments = req.Kwargs

	res, err := p.manager.clientFor(ms).CallTool(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("call tool %s.%s: %w", p.server, p.name, err)
	}
	payload := toolPayload(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "tool %s.%s: %v", p.server, p.name, payload)
	}
	return payload, nil
}

// toolPayload prefers structured content, then JSON-decoded text, then raw text.
func toolPayload(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	var texts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			texts = append(texts, tc.Text)
		case *mcp.TextContent:
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded
	}
	return text
}
