package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/cuemby/rollout/pkg/types"
)

// DefaultLockTimeout is how long Open waits for another rollout to release
// the database
const DefaultLockTimeout = time.Second

const dbFile = "rollout.db"

var (
	// Bucket names
	bucketDeployments = []byte("deployments")
	// started_at|id -> id, iterated in reverse for newest first
	bucketTimeline = []byte("timeline")
)

// BoltStore implements Store using BoltDB. The file lock bbolt holds while
// open serializes rollouts sharing a state directory.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens <dataDir>/rollout.db with the default lock timeout
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return Open(dataDir, DefaultLockTimeout)
}

// Open opens the store, waiting up to lockTimeout for the file lock
func Open(dataDir string, lockTimeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, dbFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", dbPath, ErrLocked)
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeployments, bucketTimeline} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database and releases the lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func timelineKey(rec *types.DeploymentRecord) []byte {
	return []byte(fmt.Sprintf("%020d|%s", rec.StartedAt.UnixNano(), rec.ID))
}

// SaveRecord stores rec. Saving the same ID again replaces it.
func (s *BoltStore) SaveRecord(rec *types.DeploymentRecord) error {
	if !rec.Finalized() {
		return fmt.Errorf("%s: %w", rec.ID, ErrNotFinalized)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDeployments).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTimeline).Put(timelineKey(rec), []byte(rec.ID))
	})
}

// GetRecord returns the record with id
func (s *BoltStore) GetRecord(id string) (*types.DeploymentRecord, error) {
	var rec types.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords walks the timeline newest first
func (s *BoltStore) ListRecords(environment string, limit int) ([]*types.DeploymentRecord, error) {
	var records []*types.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.walk(tx, func(rec *types.DeploymentRecord) bool {
			if environment != "" && rec.TargetEnvironment != environment {
				return true
			}
			records = append(records, rec)
			return limit <= 0 || len(records) < limit
		})
	})
	return records, err
}

// LastSuccessful returns the newest successful record, or nil
func (s *BoltStore) LastSuccessful(environment string) (*types.DeploymentRecord, error) {
	var found *types.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.walk(tx, func(rec *types.DeploymentRecord) bool {
			if rec.TargetEnvironment == environment && rec.Succeeded() {
				found = rec
				return false
			}
			return true
		})
	})
	return found, err
}

// walk visits records newest first until fn returns false
func (s *BoltStore) walk(tx *bolt.Tx, fn func(*types.DeploymentRecord) bool) error {
	deployments := tx.Bucket(bucketDeployments)
	c := tx.Bucket(bucketTimeline).Cursor()
	for k, id := c.Last(); k != nil; k, id = c.Prev() {
		data := deployments.Get(id)
		if data == nil {
			continue
		}
		var rec types.DeploymentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		if !fn(&rec) {
			return nil
		}
	}
	return nil
}
