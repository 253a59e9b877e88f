package store

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// indexKey builds the capability_index key for (upstreamID, kind, nameOrURI).
func indexKey(upstreamID string, kind CapabilityKind, nameOrURI string) []byte {
	return []byte(upstreamID + "\x00" + string(kind) + "\x00" + nameOrURI)
}

// indexPrefix builds the scan prefix for every row of one (upstreamID, kind).
func indexPrefix(upstreamID string, kind CapabilityKind) []byte {
	return []byte(upstreamID + "\x00" + string(kind) + "\x00")
}

// ReconcileResult summarizes one upsert_capabilities run for logging/metrics.
type ReconcileResult struct {
	Inserted int
	Updated  int
	Removed  int
}

// UpsertCapabilities is the reconciliation primitive of spec.md §4.1: given
// the authoritative set `items` an upstream currently declares for `kind`,
// it UPSERTs matches by (upstream_id, kind, name_or_uri), preserving each
// row's ID, inserts new rows, and prunes rows no longer declared along with
// any permission bindings that referenced them. All-or-nothing within one
// transaction.
func (s *Store) UpsertCapabilities(upstreamID string, kind CapabilityKind, items []CapabilityRow) (ReconcileResult, error) {
	var result ReconcileResult

	err := s.db.Update(func(tx *bbolt.Tx) error {
		caps := tx.Bucket([]byte(bucketCapabilities))
		index := tx.Bucket([]byte(bucketCapabilityIndex))

		seen := make(map[string]bool, len(items))
		incoming := make([]CapabilityRow, 0, len(items))
		for _, item := range items {
			if seen[item.NameOrURI] {
				s.logger.Warn("duplicate capability in reconciliation, keeping first",
					zap.String("upstream_id", upstreamID),
					zap.String("kind", string(kind)),
					zap.String("name_or_uri", item.NameOrURI))
				continue
			}
			seen[item.NameOrURI] = true
			incoming = append(incoming, item)
		}

		for _, item := range incoming {
			key := indexKey(upstreamID, kind, item.NameOrURI)
			existingID := index.Get(key)

			if existingID != nil {
				raw := caps.Get(existingID)
				var row CapabilityRow
				if raw != nil {
					if err := row.UnmarshalBinary(raw); err != nil {
						return fmt.Errorf("decode capability %s: %w", existingID, err)
					}
				}
				id := string(existingID)
				item.ID = id
				item.UpstreamID = upstreamID
				item.Kind = kind
				item.Enabled = row.Enabled
				if err := putJSON(caps, id, &item); err != nil {
					return err
				}
				result.Updated++
				continue
			}

			id := uuid.NewString()
			item.ID = id
			item.UpstreamID = upstreamID
			item.Kind = kind
			if err := putJSON(caps, id, &item); err != nil {
				return err
			}
			if err := index.Put(key, []byte(id)); err != nil {
				return err
			}
			result.Inserted++
		}

		var stale [][]byte
		cursor := index.Cursor()
		prefix := indexPrefix(upstreamID, kind)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			nameOrURI := string(k[len(prefix):])
			if !seen[nameOrURI] {
				stale = append(stale, append([]byte(nil), k...), append([]byte(nil), v...))
			}
		}

		for i := 0; i < len(stale); i += 2 {
			k, id := stale[i], stale[i+1]
			if err := index.Delete(k); err != nil {
				return err
			}
			if err := caps.Delete(id); err != nil {
				return err
			}
			result.Removed++
		}

		capIDs := make([]string, 0, len(stale)/2)
		for i := 1; i < len(stale); i += 2 {
			capIDs = append(capIDs, string(stale[i]))
		}
		return deletePermissionsForCapabilityIDs(tx, capIDs)
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

// ListCapabilities returns every capability row cached for (upstreamID, kind).
func (s *Store) ListCapabilities(upstreamID string, kind CapabilityKind) ([]*CapabilityRow, error) {
	var out []*CapabilityRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		caps := tx.Bucket([]byte(bucketCapabilities))
		index := tx.Bucket([]byte(bucketCapabilityIndex))

		prefix := indexPrefix(upstreamID, kind)
		cursor := index.Cursor()
		for k, id := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = cursor.Next() {
			raw := caps.Get(id)
			if raw == nil {
				continue
			}
			row := &CapabilityRow{}
			if err := row.UnmarshalBinary(raw); err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

// GetCapability fetches a single row by its stable ID.
func (s *Store) GetCapability(id string) (*CapabilityRow, error) {
	var out CapabilityRow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketCapabilities)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return out.UnmarshalBinary(raw)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

// deleteCapabilitiesForUpstream removes every capability row (of any kind)
// for upstreamID and returns the deleted IDs, for cascade use by
// DeleteUpstream. Caller still owns committing/aborting the transaction.
func deleteCapabilitiesForUpstream(tx *bbolt.Tx, upstreamID string) ([]string, error) {
	caps := tx.Bucket([]byte(bucketCapabilities))
	index := tx.Bucket([]byte(bucketCapabilityIndex))

	var ids []string
	var indexKeys [][]byte
	err := index.ForEach(func(k, v []byte) error {
		if bytes.HasPrefix(k, []byte(upstreamID+"\x00")) {
			ids = append(ids, string(v))
			indexKeys = append(indexKeys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range indexKeys {
		if err := index.Delete(k); err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		if err := caps.Delete([]byte(id)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
