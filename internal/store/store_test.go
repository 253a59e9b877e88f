package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUpstream(t *testing.T, s *Store, name string) *UpstreamConfig {
	t.Helper()
	cfg := &UpstreamConfig{
		Name:      name,
		Transport: TransportSTDIO,
		Command:   "echo",
		Enabled:   true,
	}
	id, err := s.AddUpstream(cfg)
	require.NoError(t, err)
	cfg.ID = id
	return cfg
}

func TestAddUpstreamRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)
	seedUpstream(t, s, "math")

	_, err := s.AddUpstream(&UpstreamConfig{Name: "math", Transport: TransportSTDIO, Command: "echo"})
	require.ErrorIs(t, err, mcperrors.ErrAlreadyExists)
}

func TestReconciliationPreservesCapabilityID(t *testing.T) {
	s := newTestStore(t)
	up := seedUpstream(t, s, "math")

	first := []CapabilityRow{
		{NameOrURI: "add", Description: "adds", Enabled: true},
		{NameOrURI: "sub", Description: "subtracts", Enabled: true},
		{NameOrURI: "mul", Description: "multiplies", Enabled: true},
	}
	_, err := s.UpsertCapabilities(up.ID, KindTool, first)
	require.NoError(t, err)

	rows, err := s.ListCapabilities(up.ID, KindTool)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var addID string
	for _, r := range rows {
		if r.NameOrURI == "add" {
			addID = r.ID
		}
	}
	require.NotEmpty(t, addID)

	token := createTestToken(t, s, "dev")
	require.NoError(t, s.Grant(token.ID, KindTool, addID))

	second := []CapabilityRow{
		{NameOrURI: "add", Description: "adds (v2)", Enabled: true},
		{NameOrURI: "sub", Description: "subtracts", Enabled: true},
	}
	result, err := s.UpsertCapabilities(up.ID, KindTool, second)
	require.NoError(t, err)
	require.Equal(t, 0, result.Inserted)
	require.Equal(t, 2, result.Updated)
	require.Equal(t, 1, result.Removed)

	rows, err = s.ListCapabilities(up.ID, KindTool)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, r := range rows {
		if r.NameOrURI == "add" {
			require.Equal(t, addID, r.ID, "capability ID must stay stable across reconciliation")
			require.Equal(t, "adds (v2)", r.Description)
		}
	}

	has, err := s.HasPermission(token.ID, KindTool, addID)
	require.NoError(t, err)
	require.True(t, has, "permission on a surviving capability must survive reconciliation")
}

func TestReconciliationPrunesOrphanedPermissions(t *testing.T) {
	s := newTestStore(t)
	up := seedUpstream(t, s, "fs")
	token := createTestToken(t, s, "ro")

	_, err := s.UpsertCapabilities(up.ID, KindTool, []CapabilityRow{{NameOrURI: "read", Enabled: true}})
	require.NoError(t, err)

	rows, err := s.ListCapabilities(up.ID, KindTool)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, s.Grant(token.ID, KindTool, rows[0].ID))

	_, err = s.UpsertCapabilities(up.ID, KindTool, nil)
	require.NoError(t, err)

	has, err := s.HasPermission(token.ID, KindTool, rows[0].ID)
	require.NoError(t, err)
	require.False(t, has, "permission bindings must be pruned with their capability")
}

func TestDeleteUpstreamCascades(t *testing.T) {
	s := newTestStore(t)
	up := seedUpstream(t, s, "math")
	token := createTestToken(t, s, "dev")

	_, err := s.UpsertCapabilities(up.ID, KindTool, []CapabilityRow{{NameOrURI: "add", Enabled: true}})
	require.NoError(t, err)
	rows, err := s.ListCapabilities(up.ID, KindTool)
	require.NoError(t, err)
	require.NoError(t, s.Grant(token.ID, KindTool, rows[0].ID))
	addID := rows[0].ID

	require.NoError(t, s.DeleteUpstream("math"))

	rows, err = s.ListCapabilities(up.ID, KindTool)
	require.NoError(t, err)
	require.Empty(t, rows)

	has, err := s.HasPermission(token.ID, KindTool, addID)
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.GetUpstream("math")
	require.Error(t, err)
}

func createTestToken(t *testing.T, s *Store, name string) *TokenRecord {
	t.Helper()
	rec := &TokenRecord{
		ID:        "tok-" + name,
		Name:      name,
		ValueHash: "hash-" + name,
		Enabled:   true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateToken(rec))
	return rec
}

func TestSweepExpiredRemovesOnlyExpiredTokens(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	fresh := createTestToken(t, s, "fresh")
	_ = fresh

	expired := &TokenRecord{
		ID:        "tok-old",
		Name:      "old",
		ValueHash: "hash-old",
		Enabled:   true,
		CreatedAt: now.Add(-48 * time.Hour),
		UpdatedAt: now.Add(-48 * time.Hour),
	}
	expiredAt := now.Add(-time.Hour)
	expired.ExpiresAt = &expiredAt
	require.NoError(t, s.CreateToken(expired))

	removed, err := s.SweepExpired(now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.GetTokenByID("tok-old")
	require.Error(t, err)
	_, err = s.GetTokenByID("tok-fresh")
	require.NoError(t, err)
}

func TestDataDirLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "mcprouter.db"))
	require.NoError(t, err)
}
