// Package upstream implements the Upstream Driver and Upstream Manager of
// spec.md §4.3/§4.4: a single live MCP session per configured upstream,
// transport-dispatched over STDIO/SSE/HTTP using mark3labs/mcp-go, plus the
// connection-state machine, TTL-based health reuse, and bounded-concurrency
// batch health checking that owns every Driver. Grounded in the teacher's
// internal/upstream/core/client.go (Connect/initialize/ListTools/CallTool
// shape) and in giantswarm-muster's internal/agent/client.go (the
// transport-dispatch switch and per-call timeout pattern), since the
// teacher's own client carries Docker-isolation and OAuth machinery this
// spec's Non-goals exclude.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/store"
)

// ClientVersion is advertised to upstreams during initialize and used to
// build the driver's User-Agent header.
const ClientVersion = "0.1.0"

// State is the lifecycle stage of a Driver's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Driver owns a single live MCP session to one upstream server.
type Driver struct {
	mu    sync.RWMutex
	cfg   store.UpstreamConfig
	log   *zap.Logger
	mcp   client.MCPClient
	state State
	info  *mcp.InitializeResult

	lastConnectedAt time.Time
	lastUsedAt      time.Time
	lastErr         error
}

// NewDriver builds a Driver for cfg. It does not connect.
func NewDriver(cfg store.UpstreamConfig, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{cfg: cfg, log: log, state: StateDisconnected}
}

// State returns the driver's current connection state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// ServerVersion returns the version captured at the most recent successful
// connect, or "" if never connected.
func (d *Driver) ServerVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.info == nil {
		return ""
	}
	return d.info.ServerInfo.Version
}

// IdleFor reports how long it has been since the driver last served a call.
func (d *Driver) IdleFor(now time.Time) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastUsedAt.IsZero() {
		return now.Sub(d.lastConnectedAt)
	}
	return now.Sub(d.lastUsedAt)
}

// Connect establishes the transport, runs MCP initialize, and records the
// upstream's version (spec.md §4.3).
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	d.state = StateConnecting
	d.mu.Unlock()

	mcpClient, err := d.dial(ctx)
	if err != nil {
		d.mu.Lock()
		d.state = StateFailed
		d.lastErr = err
		d.mu.Unlock()
		return mcperrors.Wrap(mcperrors.ErrConnection, "connect upstream %q: %v", d.cfg.Name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "mcprouter", Version: ClientVersion}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	info, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		mcpClient.Close()
		d.mu.Lock()
		d.state = StateFailed
		d.lastErr = err
		d.mu.Unlock()
		return mcperrors.Wrap(mcperrors.ErrProtocol, "initialize upstream %q: %v", d.cfg.Name, err)
	}

	now := time.Now()
	d.mu.Lock()
	d.mcp = mcpClient
	d.info = info
	d.state = StateConnected
	d.lastConnectedAt = now
	d.lastUsedAt = now
	d.lastErr = nil
	d.mu.Unlock()

	d.log.Info("upstream connected",
		zap.String("upstream", d.cfg.Name),
		zap.String("server_name", info.ServerInfo.Name),
		zap.String("server_version", info.ServerInfo.Version))
	return nil
}

func (d *Driver) dial(ctx context.Context) (client.MCPClient, error) {
	userAgent := fmt.Sprintf("mcprouter/%s", ClientVersion)

	switch d.cfg.Transport {
	case store.TransportSTDIO:
		if d.cfg.Command == "" {
			return nil, fmt.Errorf("no command configured for stdio upstream %q", d.cfg.Name)
		}
		env := make([]string, 0, len(d.cfg.Env))
		for k, v := range d.cfg.Env {
			env = append(env, k+"="+v)
		}
		t := uptransport.NewStdio(d.cfg.Command, env, d.cfg.Args...)
		c := client.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start stdio transport: %w", err)
		}
		return c, nil

	case store.TransportSSE:
		headers := withUserAgent(d.cfg.Headers, userAgent)
		var opts []uptransport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, uptransport.WithHeaders(headers))
		}
		c, err := client.NewSSEMCPClient(d.cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse transport: %w", err)
		}
		return c, nil

	case store.TransportHTTP:
		headers := withUserAgent(d.cfg.Headers, userAgent)
		var opts []uptransport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, uptransport.WithHTTPHeaders(headers))
		}
		c, err := client.NewStreamableHttpClient(d.cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create streamable-http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start streamable-http transport: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", d.cfg.Transport)
	}
}

func withUserAgent(configured map[string]string, userAgent string) map[string]string {
	headers := make(map[string]string, len(configured)+1)
	for k, v := range configured {
		headers[k] = v
	}
	headers["User-Agent"] = userAgent
	return headers
}

// ListTools returns the upstream's current tool declarations.
func (d *Driver) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	mcpClient, err := d.connectedClient()
	if err != nil {
		return nil, err
	}
	res, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.ErrProtocol, "list_tools on %q: %v", d.cfg.Name, err)
	}
	return res.Tools, nil
}

// ListResources returns the upstream's current resource declarations.
func (d *Driver) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	mcpClient, err := d.connectedClient()
	if err != nil {
		return nil, err
	}
	res, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.ErrProtocol, "list_resources on %q: %v", d.cfg.Name, err)
	}
	return res.Resources, nil
}

// ListPrompts returns the upstream's current prompt declarations.
func (d *Driver) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	mcpClient, err := d.connectedClient()
	if err != nil {
		return nil, err
	}
	res, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.ErrProtocol, "list_prompts on %q: %v", d.cfg.Name, err)
	}
	return res.Prompts, nil
}

// CallTool invokes toolName on the upstream, bounded by ctx's deadline
// (the gateway's configured request timeout, per spec.md §4.3).
func (d *Driver) CallTool(ctx context.Context, toolName string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	mcpClient, err := d.connectedClient()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	d.mu.Lock()
	d.lastUsedAt = time.Now()
	d.mu.Unlock()

	res, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.ErrConnection, "call_tool %q on %q: %v", toolName, d.cfg.Name, err)
	}
	return res, nil
}

func (d *Driver) connectedClient() (client.MCPClient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateConnected || d.mcp == nil {
		return nil, mcperrors.Wrap(mcperrors.ErrConnection, "upstream %q not connected", d.cfg.Name)
	}
	return d.mcp, nil
}

// Close best-effort closes the underlying transport.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mcp == nil {
		return nil
	}
	err := d.mcp.Close()
	d.mcp = nil
	d.info = nil
	d.state = StateDisconnected
	return err
}
