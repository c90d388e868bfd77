package storage

import (
	"errors"

	"github.com/cuemby/rollout/pkg/types"
)

var (
	// ErrNotFound is returned for unknown record IDs
	ErrNotFound = errors.New("deployment record not found")
	// ErrNotFinalized is returned when saving a record still in progress
	ErrNotFinalized = errors.New("deployment record not finalized")
	// ErrLocked is returned when another process holds the state database
	ErrLocked = errors.New("state database is locked by another rollout")
)

// Store persists deployment history
type Store interface {
	// SaveRecord stores a finalized record
	SaveRecord(rec *types.DeploymentRecord) error
	GetRecord(id string) (*types.DeploymentRecord, error)
	// ListRecords returns the newest records first. An empty environment
	// matches all; limit <= 0 means no limit.
	ListRecords(environment string, limit int) ([]*types.DeploymentRecord, error)
	// LastSuccessful returns the newest successful record for the
	// environment, or nil
	LastSuccessful(environment string) (*types.DeploymentRecord, error)

	Close() error
}
