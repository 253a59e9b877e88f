package store

import (
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
)

// CreateToken persists a new token record, indexing it by value hash for
// O(1) lookup during validation. Fails with ErrAlreadyExists if the name is
// taken.
func (s *Store) CreateToken(rec *TokenRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tokens := tx.Bucket([]byte(bucketTokens))
		hashIndex := tx.Bucket([]byte(bucketTokenHashIndex))

		err := tokens.ForEach(func(_, raw []byte) error {
			var existing TokenRecord
			if uerr := existing.UnmarshalBinary(raw); uerr != nil {
				return uerr
			}
			if existing.Name == rec.Name {
				return mcperrors.Wrap(mcperrors.ErrAlreadyExists, "token %q", rec.Name)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := putJSON(tokens, rec.ID, rec); err != nil {
			return err
		}
		return hashIndex.Put([]byte(rec.ValueHash), []byte(rec.ID))
	})
}

// GetTokenByID returns the token record with the given ID.
func (s *Store) GetTokenByID(id string) (*TokenRecord, error) {
	var out TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketTokens)).Get([]byte(id))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "token %q", id)
		}
		return out.UnmarshalBinary(raw)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTokenByValueHash looks up a token by the SHA-256 hash of its plaintext
// value, used on the validation hot path.
func (s *Store) GetTokenByValueHash(hash string) (*TokenRecord, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket([]byte(bucketTokenHashIndex)).Get([]byte(hash))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, mcperrors.Wrap(mcperrors.ErrNotFound, "token with given hash")
	}
	return s.GetTokenByID(string(id))
}

// ListTokens returns every token record, sorted by name.
func (s *Store) ListTokens() ([]*TokenRecord, error) {
	var out []*TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketTokens)).ForEach(func(_, raw []byte) error {
			rec := &TokenRecord{}
			if err := rec.UnmarshalBinary(raw); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ToggleToken flips Enabled and returns the new value.
func (s *Store) ToggleToken(id string) (bool, error) {
	var enabled bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketTokens))
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "token %q", id)
		}
		var rec TokenRecord
		if err := rec.UnmarshalBinary(raw); err != nil {
			return err
		}
		rec.Enabled = !rec.Enabled
		rec.UpdatedAt = time.Now()
		enabled = rec.Enabled
		return putJSON(bucket, id, &rec)
	})
	return enabled, err
}

// DeleteToken removes the token and cascades to its permission bindings.
func (s *Store) DeleteToken(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tokens := tx.Bucket([]byte(bucketTokens))
		raw := tokens.Get([]byte(id))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "token %q", id)
		}
		var rec TokenRecord
		if err := rec.UnmarshalBinary(raw); err != nil {
			return err
		}

		if err := deletePermissionsForToken(tx, id); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketTokenHashIndex)).Delete([]byte(rec.ValueHash)); err != nil {
			return err
		}
		return tokens.Delete([]byte(id))
	})
}

// TouchUsage increments usage_count and sets last_used_at. Best-effort: the
// Token Service calls this asynchronously after a successful validation.
func (s *Store) TouchUsage(id string, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketTokens))
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "token %q", id)
		}
		var rec TokenRecord
		if err := rec.UnmarshalBinary(raw); err != nil {
			return err
		}
		rec.UsageCount++
		rec.LastUsedAt = &now
		return putJSON(bucket, id, &rec)
	})
}

// SweepExpired deletes every token (and cascades its permissions) whose
// ExpiresAt has passed as of now, returning the count removed.
func (s *Store) SweepExpired(now time.Time) (int, error) {
	tokens, err := s.ListTokens()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range tokens {
		if t.IsExpired(now) {
			if err := s.DeleteToken(t.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
