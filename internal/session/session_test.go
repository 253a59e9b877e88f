package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprouter/mcprouter/internal/store"
)

func TestCreate_ThenGetReturnsSnapshotAndTouchesLastAccessed(t *testing.T) {
	s := New(nil)
	snap := Snapshot{Servers: map[string]bool{"math": true}}

	id, err := s.Create("tok-1", snap)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := s.Get(id)
	require.NotNil(t, got)
	assert.Equal(t, "tok-1", got.TokenID)
	assert.True(t, got.Permissions.AllowsServer("math"))
	assert.False(t, got.Permissions.AllowsServer("fs"))

	first := got.LastAccessedAt
	time.Sleep(2 * time.Millisecond)
	got2 := s.Get(id)
	require.NotNil(t, got2)
	assert.True(t, got2.LastAccessedAt.After(first))
}

func TestGet_ReturnsNilForUnknownSession(t *testing.T) {
	s := New(nil)
	assert.Nil(t, s.Get("sess-does-not-exist"))
}

func TestGet_EvictsSessionPastIdleTTL(t *testing.T) {
	s := New(nil)
	s.idleTTL = 10 * time.Millisecond
	id, err := s.Create("tok-1", OpenAccess())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, s.Get(id))
	assert.Equal(t, 0, s.Count())
}

func TestGet_EvictsSessionPastAbsoluteTTLEvenIfActive(t *testing.T) {
	s := New(nil)
	s.absoluteTTL = 10 * time.Millisecond
	s.idleTTL = time.Hour
	id, err := s.Create("tok-1", OpenAccess())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, s.Get(id))
}

func TestRemove_DropsSessionImmediately(t *testing.T) {
	s := New(nil)
	id, err := s.Create("tok-1", OpenAccess())
	require.NoError(t, err)
	require.NotNil(t, s.Get(id))

	s.Remove(id)
	assert.Nil(t, s.Get(id))
}

func TestSweep_RemovesOnlyExpiredSessions(t *testing.T) {
	s := New(nil)
	s.idleTTL = 10 * time.Millisecond

	staleID, err := s.Create("tok-stale", OpenAccess())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	freshID, err := s.Create("tok-fresh", OpenAccess())
	require.NoError(t, err)

	removed := s.sweep(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Count())

	_ = staleID
	assert.NotNil(t, s.Get(freshID))
}

func TestSnapshot_EmptySetAllowsAll(t *testing.T) {
	snap := Snapshot{}
	assert.True(t, snap.AllowsServer("anything"))
	assert.True(t, snap.AllowsCapability(store.KindTool, "any-id"))
}

func TestSnapshot_NonEmptySetRestrictsToMembers(t *testing.T) {
	snap := Snapshot{Tools: map[string]bool{"cap-1": true}}
	assert.True(t, snap.AllowsCapability(store.KindTool, "cap-1"))
	assert.False(t, snap.AllowsCapability(store.KindTool, "cap-2"))
	assert.False(t, snap.AllowsCapability(store.KindResource, "cap-1"))
}

func TestCleanupLoop_StopsCleanly(t *testing.T) {
	s := New(nil)
	s.StartCleanupLoop()
	s.Stop()
}

func TestBuildSnapshot_TranslatesServerBindingIDToName(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	upID, err := st.AddUpstream(&store.UpstreamConfig{Name: "math", Transport: store.TransportSTDIO, Command: "echo", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, st.Grant("tok-1", store.KindServer, upID))
	require.NoError(t, st.Grant("tok-1", store.KindTool, "cap-add"))

	snap, err := BuildSnapshot(st, "tok-1")
	require.NoError(t, err)
	assert.True(t, snap.AllowsServer("math"))
	assert.False(t, snap.AllowsServer("fs"))
	assert.True(t, snap.AllowsCapability(store.KindTool, "cap-add"))
}

func TestBuildSnapshot_EmptyForTokenWithNoGrants(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	snap, err := BuildSnapshot(st, "tok-unused")
	require.NoError(t, err)
	assert.True(t, snap.AllowsServer("anything"))
}
