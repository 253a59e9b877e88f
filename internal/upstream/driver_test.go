package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/store"
)

func TestDriver_StartsDisconnected(t *testing.T) {
	d := NewDriver(store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO}, nil)
	assert.Equal(t, StateDisconnected, d.State())
	assert.Empty(t, d.ServerVersion())
}

func TestDriver_Connect_RejectsMissingStdioCommand(t *testing.T) {
	d := NewDriver(store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO}, nil)
	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindConnection, mcperrors.Classify(err))
	assert.Equal(t, StateFailed, d.State())
}

func TestDriver_Connect_RejectsUnsupportedTransport(t *testing.T) {
	d := NewDriver(store.UpstreamConfig{Name: "math", Transport: store.Transport("carrier-pigeon")}, nil)
	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, d.State())
}

func TestDriver_Connect_HTTPUnreachableServerFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewDriver(store.UpstreamConfig{Name: "flaky", Transport: store.TransportHTTP, URL: server.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, d.State())
}

func TestDriver_CallTool_FailsWhenNotConnected(t *testing.T) {
	d := NewDriver(store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO}, nil)
	_, err := d.CallTool(context.Background(), "add", nil)
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindConnection, mcperrors.Classify(err))
}

func TestDriver_ListTools_FailsWhenNotConnected(t *testing.T) {
	d := NewDriver(store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO}, nil)
	_, err := d.ListTools(context.Background())
	require.Error(t, err)
}

func TestDriver_Close_IsIdempotent(t *testing.T) {
	d := NewDriver(store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO}, nil)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "failed", StateFailed.String())
}
