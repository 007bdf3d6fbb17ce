package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/farmhand/pkg/log"
)

// identityFileName is the local state file holding the persisted worker
// registration
const identityFileName = "worker.json"

// workerStateFile is the on-disk shape. Keys unknown to this version are
// ignored with a warning so that downgrade/upgrade cycles do not lose
// the registration.
type workerStateFile struct {
	WorkerID string `json:"worker_id"`
}

func identityFilePath(persistenceDir string) string {
	return filepath.Join(persistenceDir, identityFileName)
}

// LoadWorkerID reads the persisted worker ID. ok is false when no state
// file exists.
func LoadWorkerID(persistenceDir string) (string, bool, error) {
	path := identityFilePath(persistenceDir)
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading worker state file %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", false, fmt.Errorf("parsing worker state file %s: %w", path, err)
	}
	for key := range raw {
		if key != "worker_id" {
			logger := log.WithComponent("worker")
			logger.Warn().Str("key", key).
				Msg("Ignoring unknown key in worker state file")
		}
	}

	var state workerStateFile
	if err := json.Unmarshal(payload, &state); err != nil {
		return "", false, fmt.Errorf("parsing worker state file %s: %w", path, err)
	}
	if state.WorkerID == "" {
		return "", false, nil
	}
	return state.WorkerID, true, nil
}

// SaveWorkerID persists the worker ID with owner-only permissions
func SaveWorkerID(persistenceDir, workerID string) error {
	if err := os.MkdirAll(persistenceDir, 0o700); err != nil {
		return fmt.Errorf("creating persistence directory: %w", err)
	}
	payload, err := json.MarshalIndent(workerStateFile{WorkerID: workerID}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding worker state: %w", err)
	}
	path := identityFilePath(persistenceDir)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("writing worker state file %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("setting worker state file mode: %w", err)
	}
	return nil
}

// DiscardWorkerID deletes the persisted registration. Used when the
// service reports the worker unknown; a fresh identity is created on
// the next bootstrap.
func DiscardWorkerID(persistenceDir string) error {
	err := os.Remove(identityFilePath(persistenceDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
