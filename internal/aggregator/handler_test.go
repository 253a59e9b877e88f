package aggregator

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/session"
	"github.com/mcprouter/mcprouter/internal/store"
	"github.com/mcprouter/mcprouter/internal/upstream"
)

func newTestHandler(t *testing.T, authEnabled bool) (*Handler, *store.Store, *session.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions := session.New(nil)
	mgr := upstream.NewManager(st, nil)
	cfg := config.DefaultConfig()
	cfg.Security.Auth = authEnabled

	return New(st, sessions, mgr, cfg, "test-version", nil), st, sessions
}

func seedUpstream(t *testing.T, st *store.Store, name string) *store.UpstreamConfig {
	t.Helper()
	cfg := &store.UpstreamConfig{Name: name, Transport: store.TransportSTDIO, Command: "echo", Enabled: true}
	id, err := st.AddUpstream(cfg)
	require.NoError(t, err)
	cfg.ID = id
	return cfg
}

func TestInitialize_ReturnsFixedServerInfo(t *testing.T) {
	h, _, _ := newTestHandler(t, true)
	res, err := h.Initialize(context.Background(), mcp.InitializeRequest{})
	require.NoError(t, err)
	assert.Equal(t, serverName, res.ServerInfo.Name)
	assert.Equal(t, "test-version", res.ServerInfo.Version)
	require.NotNil(t, res.Capabilities.Tools)
	require.NotNil(t, res.Capabilities.Resources)
	require.NotNil(t, res.Capabilities.Prompts)
}

func TestListTools_FailsAuthErrorWhenSessionMissingAndAuthRequired(t *testing.T) {
	h, _, _ := newTestHandler(t, true)
	_, err := h.ListTools(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindAuth, mcperrors.Classify(err))
}

func TestListTools_OpenAccessWhenAuthDisabled(t *testing.T) {
	h, st, _ := newTestHandler(t, false)
	up := seedUpstream(t, st, "math")
	_, err := st.UpsertCapabilities(up.ID, store.KindTool, []store.CapabilityRow{
		{NameOrURI: "add", Description: "adds", Enabled: true},
	})
	require.NoError(t, err)

	tools, err := h.ListTools(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "math/add", tools[0].Name)
}

func TestListTools_FiltersByServerAndToolPermissionsAndNamespaces(t *testing.T) {
	h, st, sessions := newTestHandler(t, true)
	math := seedUpstream(t, st, "math")
	fs := seedUpstream(t, st, "fs")

	_, err := st.UpsertCapabilities(math.ID, store.KindTool, []store.CapabilityRow{
		{NameOrURI: "add", Description: "adds", Enabled: true},
		{NameOrURI: "sub", Description: "subtracts", Enabled: true},
	})
	require.NoError(t, err)
	_, err = st.UpsertCapabilities(fs.ID, store.KindTool, []store.CapabilityRow{
		{NameOrURI: "read", Description: "reads", Enabled: true},
	})
	require.NoError(t, err)

	mathTools, err := st.ListCapabilities(math.ID, store.KindTool)
	require.NoError(t, err)
	var addID string
	for _, r := range mathTools {
		if r.NameOrURI == "add" {
			addID = r.ID
		}
	}
	require.NotEmpty(t, addID)

	snap := session.Snapshot{
		Servers: map[string]bool{"math": true},
		Tools:   map[string]bool{addID: true},
	}
	sid, err := sessions.Create("tok-1", snap)
	require.NoError(t, err)

	tools, err := h.ListTools(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "math/add", tools[0].Name)
}

func TestListResources_NamespacesURI(t *testing.T) {
	h, st, _ := newTestHandler(t, false)
	up := seedUpstream(t, st, "docs")
	_, err := st.UpsertCapabilities(up.ID, store.KindResource, []store.CapabilityRow{
		{NameOrURI: "file:///a.txt", Title: "a", MIMEType: "text/plain", Enabled: true},
	})
	require.NoError(t, err)

	resources, err := h.ListResources(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "docs/file:///a.txt", resources[0].URI)
	assert.Equal(t, "a", resources[0].Name)
}

func TestListPrompts_NamespacesName(t *testing.T) {
	h, st, _ := newTestHandler(t, false)
	up := seedUpstream(t, st, "writer")
	_, err := st.UpsertCapabilities(up.ID, store.KindPrompt, []store.CapabilityRow{
		{NameOrURI: "greet", Description: "says hello", Enabled: true,
			Arguments: []store.PromptArgument{{Name: "who", Required: true}}},
	})
	require.NoError(t, err)

	prompts, err := h.ListPrompts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "writer/greet", prompts[0].Name)
	require.Len(t, prompts[0].Arguments, 1)
	assert.Equal(t, "who", prompts[0].Arguments[0].Name)
}

func TestCallTool_RejectsNameWithoutSlash(t *testing.T) {
	h, _, _ := newTestHandler(t, false)
	_, err := h.CallTool(context.Background(), "", "add", nil)
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindValidation, mcperrors.Classify(err))
}

func TestCallTool_FailsServiceNotFoundForUnknownUpstream(t *testing.T) {
	h, _, _ := newTestHandler(t, false)
	_, err := h.CallTool(context.Background(), "", "ghost/add", nil)
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindNotFound, mcperrors.Classify(err))
}

func TestCallTool_FailsServiceNotFoundForDisabledUpstream(t *testing.T) {
	h, st, _ := newTestHandler(t, false)
	_, err := st.AddUpstream(&store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO, Command: "echo", Enabled: false})
	require.NoError(t, err)

	_, err = h.CallTool(context.Background(), "", "math/add", nil)
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindNotFound, mcperrors.Classify(err))
}

func TestCallTool_FailsPermissionDeniedWhenServerNotAllowed(t *testing.T) {
	h, st, sessions := newTestHandler(t, true)
	seedUpstream(t, st, "fs")

	snap := session.Snapshot{Servers: map[string]bool{"math": true}}
	sid, err := sessions.Create("tok-1", snap)
	require.NoError(t, err)

	_, err = h.CallTool(context.Background(), sid, "fs/read", nil)
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindPermissionDenied, mcperrors.Classify(err))
}

func TestCallTool_FailsPermissionDeniedWhenToolNotAllowed(t *testing.T) {
	h, st, sessions := newTestHandler(t, true)
	math := seedUpstream(t, st, "math")
	_, err := st.UpsertCapabilities(math.ID, store.KindTool, []store.CapabilityRow{
		{NameOrURI: "add", Enabled: true},
	})
	require.NoError(t, err)

	snap := session.Snapshot{
		Servers: map[string]bool{"math": true},
		Tools:   map[string]bool{"some-other-id": true},
	}
	sid, err := sessions.Create("tok-1", snap)
	require.NoError(t, err)

	_, err = h.CallTool(context.Background(), sid, "math/add", nil)
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindPermissionDenied, mcperrors.Classify(err))
}

func TestCallTool_FailsConnectionWhenPermittedButUpstreamUnreachable(t *testing.T) {
	h, st, _ := newTestHandler(t, false)
	math := seedUpstream(t, st, "math")
	_, err := st.UpsertCapabilities(math.ID, store.KindTool, []store.CapabilityRow{
		{NameOrURI: "add", Enabled: true},
	})
	require.NoError(t, err)

	_, err = h.CallTool(context.Background(), "", "math/add", map[string]interface{}{"x": 1})
	require.Error(t, err)
}
