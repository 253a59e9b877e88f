package store

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
)

// newUpstreamID mints a time-ordered, stable identifier for a new upstream
// (spec.md §3: "stable identifier, time-ordered UUID"), grounded in the
// pack's use of oklog/ulid for exactly this property.
func newUpstreamID(now time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// AddUpstream inserts a new upstream config, assigning it a stable ID.
// Fails with ErrAlreadyExists if the name is already taken.
func (s *Store) AddUpstream(cfg *UpstreamConfig) (string, error) {
	now := time.Now()
	cfg.StripIrrelevantFields()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUpstreams))
		if bucket.Get([]byte(cfg.Name)) != nil {
			return mcperrors.Wrap(mcperrors.ErrAlreadyExists, "upstream %q", cfg.Name)
		}

		cfg.ID = newUpstreamID(now)
		cfg.CreatedAt = now
		cfg.UpdatedAt = now
		return putJSON(bucket, cfg.Name, cfg)
	})
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// GetUpstream returns the upstream config stored under name.
func (s *Store) GetUpstream(name string) (*UpstreamConfig, error) {
	var out UpstreamConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUpstreams))
		raw := bucket.Get([]byte(name))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q", name)
		}
		return out.UnmarshalBinary(raw)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUpstreams returns every upstream config, sorted by name.
func (s *Store) ListUpstreams() ([]*UpstreamConfig, error) {
	var out []*UpstreamConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUpstreams))
		return bucket.ForEach(func(_, raw []byte) error {
			cfg := &UpstreamConfig{}
			if err := cfg.UnmarshalBinary(raw); err != nil {
				return err
			}
			out = append(out, cfg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateUpstream replaces all fields of the named upstream, preserving its
// ID, Enabled state, and timestamps of creation.
func (s *Store) UpdateUpstream(name string, cfg *UpstreamConfig) error {
	cfg.StripIrrelevantFields()
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUpstreams))
		raw := bucket.Get([]byte(name))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q", name)
		}
		var existing UpstreamConfig
		if err := existing.UnmarshalBinary(raw); err != nil {
			return err
		}

		cfg.ID = existing.ID
		cfg.Name = existing.Name
		cfg.Enabled = existing.Enabled
		cfg.Version = existing.Version
		cfg.CreatedAt = existing.CreatedAt
		cfg.UpdatedAt = time.Now()
		return putJSON(bucket, name, cfg)
	})
}

// SetVersion records the server version captured at connect time.
func (s *Store) SetVersion(name, version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUpstreams))
		raw := bucket.Get([]byte(name))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q", name)
		}
		var cfg UpstreamConfig
		if err := cfg.UnmarshalBinary(raw); err != nil {
			return err
		}
		cfg.Version = version
		cfg.UpdatedAt = time.Now()
		return putJSON(bucket, name, &cfg)
	})
}

// ToggleUpstream sets Enabled to enabled (clearing Version when disabling)
// and returns the new value. Callers that need
// the asymmetric enable/disable semantics of spec.md §4.4 use this only to
// commit the already-decided state, not to decide it.
func (s *Store) ToggleUpstream(name string, enabled bool) (bool, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUpstreams))
		raw := bucket.Get([]byte(name))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q", name)
		}
		var cfg UpstreamConfig
		if err := cfg.UnmarshalBinary(raw); err != nil {
			return err
		}
		cfg.Enabled = enabled
		cfg.UpdatedAt = time.Now()
		if !enabled {
			cfg.Version = ""
		}
		return putJSON(bucket, name, &cfg)
	})
	if err != nil {
		return false, err
	}
	return enabled, nil
}

// DeleteUpstream removes the upstream and, in the same transaction,
// every capability row and permission binding that depends on it
// (spec.md §3 cascade invariant).
func (s *Store) DeleteUpstream(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		upstreams := tx.Bucket([]byte(bucketUpstreams))
		raw := upstreams.Get([]byte(name))
		if raw == nil {
			return mcperrors.Wrap(mcperrors.ErrNotFound, "upstream %q", name)
		}
		var cfg UpstreamConfig
		if err := cfg.UnmarshalBinary(raw); err != nil {
			return err
		}

		capIDs, err := deleteCapabilitiesForUpstream(tx, cfg.ID)
		if err != nil {
			return fmt.Errorf("cascade capabilities: %w", err)
		}
		if err := deletePermissionsForCapabilityIDs(tx, capIDs); err != nil {
			return fmt.Errorf("cascade permissions: %w", err)
		}
		return upstreams.Delete([]byte(name))
	})
}
