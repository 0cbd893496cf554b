package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is the immutable record emitted when a worker reaches a terminal
// state, capturing what an operator needs for a post-mortem.
type Checkpoint struct {
	ID             int64     `json:"id"`
	WorkerID       string    `json:"workerId"`
	Label          string    `json:"label"`
	Project        string    `json:"project"`
	CreatedAt      time.Time `json:"createdAt"`
	DiedAt         time.Time `json:"diedAt"`
	FinalHealth    string    `json:"finalHealth"`
	LastOutputTail []byte    `json:"lastOutputTail,omitempty"`
	ParentWorkerID string    `json:"parentWorkerId,omitempty"`
	ChildWorkerIDs []string  `json:"childWorkerIds"`
}

// SaveCheckpoint persists a checkpoint record.
func (s *Store) SaveCheckpoint(cp Checkpoint) (int64, error) {
	children, err := json.Marshal(cp.ChildWorkerIDs)
	if err != nil {
		return 0, fmt.Errorf("encoding children: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO checkpoints
		 (worker_id, label, project, created_at, died_at, final_health, last_output_tail, parent_worker_id, child_worker_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.WorkerID, cp.Label, cp.Project, cp.CreatedAt.UTC(), cp.DiedAt.UTC(),
		cp.FinalHealth, cp.LastOutputTail, nullable(cp.ParentWorkerID), string(children),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting checkpoint: %w", err)
	}
	return res.LastInsertId()
}

// ListCheckpoints returns all checkpoints, newest first.
func (s *Store) ListCheckpoints() ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, worker_id, label, project, created_at, died_at, final_health,
		        last_output_tail, parent_worker_id, child_worker_ids
		 FROM checkpoints ORDER BY died_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// WorkerCheckpoints returns checkpoints for a single worker, newest first.
func (s *Store) WorkerCheckpoints(workerID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, worker_id, label, project, created_at, died_at, final_health,
		        last_output_tail, parent_worker_id, child_worker_ids
		 FROM checkpoints WHERE worker_id = ? ORDER BY died_at DESC`,
		workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying worker checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

func scanCheckpoint(scanner interface{ Scan(...any) error }) (Checkpoint, error) {
	var cp Checkpoint
	var parent sql.NullString
	var children string
	err := scanner.Scan(
		&cp.ID, &cp.WorkerID, &cp.Label, &cp.Project, &cp.CreatedAt, &cp.DiedAt,
		&cp.FinalHealth, &cp.LastOutputTail, &parent, &children,
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scanning checkpoint: %w", err)
	}
	cp.ParentWorkerID = parent.String
	if err := json.Unmarshal([]byte(children), &cp.ChildWorkerIDs); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding children: %w", err)
	}
	return cp, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
