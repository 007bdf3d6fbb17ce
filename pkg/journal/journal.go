package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/farmhand/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTerminalStatuses = []byte("terminal_statuses")
)

// Journal is a BoltDB-backed record of terminal action statuses that
// have not yet been acknowledged by the service.
//
// The scheduler records every terminal status here before it is sent in
// an UpdateWorkerSchedule request and deletes it once the service has
// acknowledged it. A drain cut short or an agent crash therefore cannot
// lose a terminal status: the next start can flush the journal.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal database in dataDir
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "journal.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTerminalStatuses); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketTerminalStatuses, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTerminal persists a terminal action status keyed by action ID.
// Non-terminal statuses are ignored.
func (j *Journal) RecordTerminal(status types.SessionActionStatus) error {
	if !status.Terminal() {
		return nil
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTerminalStatuses)
		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal action status: %w", err)
		}
		return b.Put([]byte(status.ID), data)
	})
}

// Acknowledge removes the journal entries for action IDs the service has
// acknowledged
func (j *Journal) Acknowledge(actionIDs []string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTerminalStatuses)
		for _, id := range actionIDs {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending returns every unacknowledged terminal status
func (j *Journal) Pending() ([]types.SessionActionStatus, error) {
	var statuses []types.SessionActionStatus
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTerminalStatuses)
		return b.ForEach(func(k, v []byte) error {
			var status types.SessionActionStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return fmt.Errorf("failed to unmarshal action status %s: %w", k, err)
			}
			statuses = append(statuses, status)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}
