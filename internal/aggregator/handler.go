// Package aggregator implements the Aggregator Handler of spec.md §4.6: the
// MCP server-side protocol methods (initialize/list_tools/list_resources/
// list_prompts/call_tool). It joins the capability cache in internal/store
// with the caller's session.Snapshot, namespaces names as
// "<upstream>/<original>", and routes call_tool invocations to the owning
// upstream through the Upstream Manager.
//
// Grounded in the teacher's internal/server aggregation handlers for the
// overall shape, but built as a plain Go type rather than a
// mark3labs/mcp-go/server.MCPServer: that framework registers one static
// tool set per server instance, while spec.md requires the enumerated set
// to be recomputed per request from the caller's token permissions, which
// don't map onto a single shared registration.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/metrics"
	"github.com/mcprouter/mcprouter/internal/session"
	"github.com/mcprouter/mcprouter/internal/store"
	"github.com/mcprouter/mcprouter/internal/upstream"
)

// serverName is the fixed Implementation.Name advertised on initialize,
// carried over verbatim from the original's server_info (SPEC_FULL.md §4).
const serverName = "mcp-router-aggregator"

// Handler implements the MCP server-side methods against a Store, a
// Session Store, and an Upstream Manager.
type Handler struct {
	store     *store.Store
	sessions  *session.Store
	upstreams *upstream.Manager
	cfg       *config.Config
	version   string
	log       *zap.Logger
	metrics   *metrics.Registry
}

// New builds a Handler. version is advertised as the Implementation.Version
// on initialize.
func New(st *store.Store, sessions *session.Store, upstreams *upstream.Manager, cfg *config.Config, version string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: st, sessions: sessions, upstreams: upstreams, cfg: cfg, version: version, log: log}
}

// AttachMetrics wires reg so call_tool invocations are recorded. Optional: a
// Handler with no metrics attached just skips recording.
func (h *Handler) AttachMetrics(reg *metrics.Registry) {
	h.metrics = reg
}

// Initialize returns the fixed server identity and advertised capabilities
// (spec.md §4.6).
func (h *Handler) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ServerInfo:      mcp.Implementation{Name: serverName, Version: h.version},
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		},
	}, nil
}

// permissionSnapshot resolves the calling session's permission snapshot
// per spec.md §4.6 step 1.
func (h *Handler) permissionSnapshot(sessionID string) (session.Snapshot, error) {
	if sessionID == "" {
		if !h.cfg.Security.Auth {
			return session.OpenAccess(), nil
		}
		return session.Snapshot{}, mcperrors.Wrap(mcperrors.ErrAuth, "no session presented")
	}
	sess := h.sessions.Get(sessionID)
	if sess == nil {
		return session.Snapshot{}, mcperrors.Wrap(mcperrors.ErrAuth, "session %q not found or expired", sessionID)
	}
	return sess.Permissions, nil
}

// enabledUpstreamsFor returns the upstream configs reachable under snap,
// implementing spec.md §4.6 steps 2-3.
func (h *Handler) enabledUpstreamsFor(snap session.Snapshot) ([]*store.UpstreamConfig, error) {
	all, err := h.store.ListUpstreams()
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}
	out := make([]*store.UpstreamConfig, 0, len(all))
	for _, cfg := range all {
		if !cfg.Enabled {
			continue
		}
		if !snap.AllowsServer(cfg.Name) {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ListTools implements spec.md §4.6's list_tools algorithm.
func (h *Handler) ListTools(_ context.Context, sessionID string) ([]mcp.Tool, error) {
	snap, err := h.permissionSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	ups, err := h.enabledUpstreamsFor(snap)
	if err != nil {
		return nil, err
	}

	var out []mcp.Tool
	for _, cfg := range ups {
		rows, err := h.store.ListCapabilities(cfg.ID, store.KindTool)
		if err != nil {
			return nil, fmt.Errorf("list_tools capabilities for %q: %w", cfg.Name, err)
		}
		for _, row := range rows {
			if !row.Enabled || !snap.AllowsCapability(store.KindTool, row.ID) {
				continue
			}
			out = append(out, namespacedTool(cfg.Name, row))
		}
	}
	return out, nil
}

// ListResources implements spec.md §4.6's list_resources algorithm.
func (h *Handler) ListResources(_ context.Context, sessionID string) ([]mcp.Resource, error) {
	snap, err := h.permissionSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	ups, err := h.enabledUpstreamsFor(snap)
	if err != nil {
		return nil, err
	}

	var out []mcp.Resource
	for _, cfg := range ups {
		rows, err := h.store.ListCapabilities(cfg.ID, store.KindResource)
		if err != nil {
			return nil, fmt.Errorf("list_resources capabilities for %q: %w", cfg.Name, err)
		}
		for _, row := range rows {
			if !row.Enabled || !snap.AllowsCapability(store.KindResource, row.ID) {
				continue
			}
			out = append(out, namespacedResource(cfg.Name, row))
		}
	}
	return out, nil
}

// ListPrompts implements spec.md §4.6's list_prompts algorithm.
func (h *Handler) ListPrompts(_ context.Context, sessionID string) ([]mcp.Prompt, error) {
	snap, err := h.permissionSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	ups, err := h.enabledUpstreamsFor(snap)
	if err != nil {
		return nil, err
	}

	var out []mcp.Prompt
	for _, cfg := range ups {
		rows, err := h.store.ListCapabilities(cfg.ID, store.KindPrompt)
		if err != nil {
			return nil, fmt.Errorf("list_prompts capabilities for %q: %w", cfg.Name, err)
		}
		for _, row := range rows {
			if !row.Enabled || !snap.AllowsCapability(store.KindPrompt, row.ID) {
				continue
			}
			out = append(out, namespacedPrompt(cfg.Name, row))
		}
	}
	return out, nil
}

// splitNamespaced splits "upstream/name" on the first "/" into its two
// parts, failing if there is no separator or either part is empty (spec.md
// §4.6 call_tool step 1). Any further "/" stays in the tool name.
func splitNamespaced(name string) (upstreamName, rest string, ok bool) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// CallTool implements spec.md §4.6's call_tool algorithm.
func (h *Handler) CallTool(ctx context.Context, sessionID, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	snap, err := h.permissionSnapshot(sessionID)
	if err != nil {
		return nil, err
	}

	upstreamName, toolName, ok := splitNamespaced(name)
	if !ok {
		return nil, mcperrors.Wrap(mcperrors.ErrValidation, "call_tool name %q must be \"<upstream>/<tool>\"", name)
	}

	cfg, err := h.store.GetUpstream(upstreamName)
	if err != nil || cfg == nil || !cfg.Enabled {
		return nil, mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q", upstreamName)
	}

	if !snap.AllowsServer(upstreamName) {
		return nil, mcperrors.Wrap(mcperrors.ErrPermissionDenied, "server %q", upstreamName)
	}

	rows, err := h.store.ListCapabilities(cfg.ID, store.KindTool)
	if err != nil {
		return nil, fmt.Errorf("resolve tool %q on %q: %w", toolName, upstreamName, err)
	}
	var row *store.CapabilityRow
	for _, r := range rows {
		if r.NameOrURI == toolName {
			row = r
			break
		}
	}
	if row == nil || !row.Enabled {
		return nil, mcperrors.Wrap(mcperrors.ErrNotFound, "tool %q on upstream %q", toolName, upstreamName)
	}
	if !snap.AllowsCapability(store.KindTool, row.ID) {
		return nil, mcperrors.Wrap(mcperrors.ErrPermissionDenied, "tool %q on upstream %q", toolName, upstreamName)
	}

	driver, err := h.upstreams.GetDriver(ctx, upstreamName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := driver.CallTool(ctx, toolName, arguments)
	if h.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		h.metrics.RecordCallTool(upstreamName, toolName, status, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("call_tool %q on upstream %q: %w", toolName, upstreamName, err)
	}
	return result, nil
}
