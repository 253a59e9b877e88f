package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestIDStability_SurvivesRandomReconciliationSequences is a property test
// for spec.md §8's "ID stability" invariant: a capability repeatedly
// declared under the same (kind, name_or_uri) keeps the same id across any
// sequence of reconciliation passes, however the rest of the declared set
// changes around it.
func TestIDStability_SurvivesRandomReconciliationSequences(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := Open(t.TempDir(), nil)
		require.NoError(rt, err)
		defer s.Close()

		up := &UpstreamConfig{Name: "rt-up", Transport: TransportSTDIO, Command: "echo", Enabled: true}
		upID, err := s.AddUpstream(up)
		require.NoError(rt, err)

		const anchor = "anchor-tool"
		var anchorID string

		rounds := rapid.IntRange(1, 6).Draw(rt, "rounds")
		for i := 0; i < rounds; i++ {
			extra := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z]{3,10}`), func(s string) string { return s }).
				Draw(rt, "extra")
			desc := rapid.StringMatching(`[a-z ]{0,20}`).Draw(rt, "desc")

			rows := make([]CapabilityRow, 0, len(extra)+1)
			rows = append(rows, CapabilityRow{NameOrURI: anchor, Description: desc, Enabled: true})
			for _, name := range extra {
				if name == anchor {
					continue
				}
				rows = append(rows, CapabilityRow{NameOrURI: name, Enabled: true})
			}

			_, err := s.UpsertCapabilities(upID, KindTool, rows)
			require.NoError(rt, err)

			got, err := s.ListCapabilities(upID, KindTool)
			require.NoError(rt, err)

			var gotID string
			for _, r := range got {
				if r.NameOrURI == anchor {
					gotID = r.ID
				}
			}
			require.NotEmpty(rt, gotID, "anchor tool must survive every round since it is declared every time")

			if anchorID == "" {
				anchorID = gotID
			} else {
				require.Equal(rt, anchorID, gotID, "capability id for a repeatedly-declared name must stay stable")
			}
		}
	})
}

// TestCascadeIntegrity_RandomGrantAndDeleteSequences is a property test for
// spec.md §8's "cascade integrity" invariant: after delete_upstream(n), no
// capability row references n and no permission binding references any
// capability id that belonged to it, regardless of how many tools were
// declared or which of them a token was granted.
func TestCascadeIntegrity_RandomGrantAndDeleteSequences(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := Open(t.TempDir(), nil)
		require.NoError(rt, err)
		defer s.Close()

		up := &UpstreamConfig{Name: "cascade-up", Transport: TransportSTDIO, Command: "echo", Enabled: true}
		upID, err := s.AddUpstream(up)
		require.NoError(rt, err)

		names := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z]{3,10}`), func(s string) string { return s }).
			Draw(rt, "names")
		rt.Assume(len(names) > 0)

		rows := make([]CapabilityRow, 0, len(names))
		for _, n := range names {
			rows = append(rows, CapabilityRow{NameOrURI: n, Enabled: true})
		}
		_, err = s.UpsertCapabilities(upID, KindTool, rows)
		require.NoError(rt, err)

		caps, err := s.ListCapabilities(upID, KindTool)
		require.NoError(rt, err)

		tok := &TokenRecord{
			ID:        "tok-" + rapid.StringMatching(`[a-z0-9]{6,12}`).Draw(rt, "tokid"),
			Name:      "rt",
			ValueHash: "h",
			Enabled:   true,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		require.NoError(rt, s.CreateToken(tok))

		grantCount := rapid.IntRange(0, len(caps)).Draw(rt, "grant_count")
		for _, c := range caps[:grantCount] {
			require.NoError(rt, s.Grant(tok.ID, KindTool, c.ID))
		}

		require.NoError(rt, s.DeleteUpstream("cascade-up"))

		remaining, err := s.ListCapabilities(upID, KindTool)
		require.NoError(rt, err)
		require.Empty(rt, remaining, "no capability row may reference a deleted upstream")

		for _, c := range caps {
			has, err := s.HasPermission(tok.ID, KindTool, c.ID)
			require.NoError(rt, err)
			require.False(rt, has, "no permission binding may reference a removed capability id")
		}
	})
}
