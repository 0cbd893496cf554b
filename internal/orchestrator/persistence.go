package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drewrad8/foreman/internal/log"
)

// snapshotVersion is the persisted-state schema version.
const snapshotVersion = 1

// stateFile is the registry snapshot filename under the state dir.
const stateFile = "workers.json"

// persistedWorker is the on-disk worker record. Unlike the external Worker
// serialisation it carries the ralph token and the pending spawn parameters;
// the snapshot file never leaves the host.
type persistedWorker struct {
	Worker
	RalphToken   string `json:"ralphToken,omitempty"`
	Command      string `json:"command,omitempty"`
	InitialInput string `json:"initialInput,omitempty"`
}

// stateSnapshot is the versioned registry snapshot document.
type stateSnapshot struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"savedAt"`
	Workers []persistedWorker `json:"workers"`
}

// statePath returns the snapshot path for a state dir.
func statePath(stateDir string) string {
	return filepath.Join(stateDir, stateFile)
}

// saveLocked serialises the registry atomically (temp file + rename).
// With sync set the file is fsynced before rename; that variant is safe to
// call from the crash-protection handler. Caller holds mu.
func (r *Registry) saveLocked(sync bool) {
	snap := stateSnapshot{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Workers: make([]persistedWorker, 0, len(r.workers)),
	}
	for _, w := range r.workers {
		snap.Workers = append(snap.Workers, persistedWorker{
			Worker:       w.snapshot(),
			RalphToken:   w.ralphToken,
			Command:      w.command,
			InitialInput: w.initialInput,
		})
	}

	if err := writeSnapshot(statePath(r.cfg.StateDir), snap, sync); err != nil {
		log.ErrorErr(log.CatReg, "state save failed", err)
	}
}

// SaveStateSync flushes the registry snapshot with fsync. Wired into the
// crash-protection flush hook.
func (r *Registry) SaveStateSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveLocked(true)
}

func writeSnapshot(path string, snap stateSnapshot, sync bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec // G304: orchestrator-owned path
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("syncing state: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	return nil
}

// loadState reads the persisted snapshot. A missing file returns an empty
// snapshot; an unsupported version is an error.
func loadState(stateDir string) (stateSnapshot, error) {
	data, err := os.ReadFile(statePath(stateDir)) //nolint:gosec // G304: orchestrator-owned path
	if os.IsNotExist(err) {
		return stateSnapshot{Version: snapshotVersion}, nil
	}
	if err != nil {
		return stateSnapshot{}, fmt.Errorf("reading state: %w", err)
	}

	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return stateSnapshot{}, fmt.Errorf("decoding state: %w", err)
	}
	if snap.Version != snapshotVersion {
		return stateSnapshot{}, fmt.Errorf("unsupported state version %d", snap.Version)
	}
	return snap, nil
}
