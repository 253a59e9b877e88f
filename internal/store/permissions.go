package store

import (
	"strings"

	"go.etcd.io/bbolt"
)

func permissionKey(tokenID string, kind CapabilityKind, capabilityID string) []byte {
	return []byte(tokenID + "\x00" + string(kind) + "\x00" + capabilityID)
}

// Grant records that tokenID may use the given capability.
func (s *Store) Grant(tokenID string, kind CapabilityKind, capabilityID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPermissions))
		binding := &PermissionBinding{TokenID: tokenID, Kind: kind, CapabilityID: capabilityID}
		return putJSON(bucket, string(permissionKey(tokenID, kind, capabilityID)), binding)
	})
}

// Revoke removes a single (token, kind, capability) grant. It is a no-op if
// the grant did not exist.
func (s *Store) Revoke(tokenID string, kind CapabilityKind, capabilityID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPermissions))
		return bucket.Delete(permissionKey(tokenID, kind, capabilityID))
	})
}

// GrantAllForUpstream grants tokenID every currently cached capability of
// kind on upstreamID.
func (s *Store) GrantAllForUpstream(tokenID string, upstreamID string, kind CapabilityKind) error {
	rows, err := s.ListCapabilities(upstreamID, kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPermissions))
		for _, row := range rows {
			binding := &PermissionBinding{TokenID: tokenID, Kind: kind, CapabilityID: row.ID}
			if err := putJSON(bucket, string(permissionKey(tokenID, kind, row.ID)), binding); err != nil {
				return err
			}
		}
		return nil
	})
}

// RevokeAllForUpstream removes every grant tokenID holds on upstreamID's
// capabilities of kind.
func (s *Store) RevokeAllForUpstream(tokenID string, upstreamID string, kind CapabilityKind) error {
	rows, err := s.ListCapabilities(upstreamID, kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPermissions))
		for _, row := range rows {
			if err := bucket.Delete(permissionKey(tokenID, kind, row.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasPermission reports whether tokenID is granted capabilityID.
func (s *Store) HasPermission(tokenID string, kind CapabilityKind, capabilityID string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPermissions))
		found = bucket.Get(permissionKey(tokenID, kind, capabilityID)) != nil
		return nil
	})
	return found, err
}

// ListGranted returns every PermissionBinding held by tokenID.
func (s *Store) ListGranted(tokenID string) ([]*PermissionBinding, error) {
	var out []*PermissionBinding
	prefix := tokenID + "\x00"
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPermissions))
		return bucket.ForEach(func(k, v []byte) error {
			if !strings.HasPrefix(string(k), prefix) {
				return nil
			}
			binding := &PermissionBinding{}
			if err := binding.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, binding)
			return nil
		})
	})
	return out, err
}

// deletePermissionsForToken removes every binding referencing tokenID, used
// by Store.DeleteToken's cascade.
func deletePermissionsForToken(tx *bbolt.Tx, tokenID string) error {
	bucket := tx.Bucket([]byte(bucketPermissions))
	prefix := tokenID + "\x00"
	var stale [][]byte
	err := bucket.ForEach(func(k, _ []byte) error {
		if strings.HasPrefix(string(k), prefix) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// deletePermissionsForCapabilityIDs removes every binding referencing any
// of the given capability IDs, used by reconciliation pruning.
func deletePermissionsForCapabilityIDs(tx *bbolt.Tx, capabilityIDs []string) error {
	if len(capabilityIDs) == 0 {
		return nil
	}
	want := make(map[string]bool, len(capabilityIDs))
	for _, id := range capabilityIDs {
		want[id] = true
	}

	bucket := tx.Bucket([]byte(bucketPermissions))
	var stale [][]byte
	err := bucket.ForEach(func(k, v []byte) error {
		binding := &PermissionBinding{}
		if err := binding.UnmarshalBinary(v); err != nil {
			return err
		}
		if want[binding.CapabilityID] {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
