package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store is the durable backend for upstream configs, tokens, permission
// bindings, and cached capabilities. All mutating operations run inside a
// single bbolt read-write transaction so a partial failure leaves prior
// state untouched (spec.md §4.1).
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open creates (or opens) the bbolt database at <dataDir>/mcprouter.db and
// ensures every bucket this package needs exists.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mcprouter.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// marshaler is satisfied by every record type in this package.
type marshaler interface {
	MarshalBinary() ([]byte, error)
}

func putJSON(bucket *bbolt.Bucket, key string, v marshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return bucket.Put([]byte(key), data)
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := []string{
			bucketUpstreams, bucketTokens, bucketTokenHashIndex,
			bucketCapabilities, bucketCapabilityIndex, bucketPermissions, bucketMeta,
		}
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return meta.Put([]byte(schemaVersionKey), versionBytes)
	})
}
