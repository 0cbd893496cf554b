package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reflection is a durable, importance-scored lesson synthesised from a failed
// correction session, retrievable for future similar tasks.
type Reflection struct {
	ID         string    `json:"id"`
	TaskType   string    `json:"taskType"`
	ProjectID  string    `json:"projectId"`
	Importance float64   `json:"importance"`
	Issues     []string  `json:"issues"`
	Patterns   []string  `json:"patterns"`
	Lessons    []string  `json:"lessons"`
	UseCount   int       `json:"useCount"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

// SaveReflection persists a reflection, assigning an id when absent.
func (s *Store) SaveReflection(r Reflection) (Reflection, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	issues, err := json.Marshal(r.Issues)
	if err != nil {
		return Reflection{}, fmt.Errorf("encoding issues: %w", err)
	}
	patterns, err := json.Marshal(r.Patterns)
	if err != nil {
		return Reflection{}, fmt.Errorf("encoding patterns: %w", err)
	}
	lessons, err := json.Marshal(r.Lessons)
	if err != nil {
		return Reflection{}, fmt.Errorf("encoding lessons: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO reflections (id, task_type, project_id, importance, issues, patterns, lessons, use_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskType, r.ProjectID, r.Importance, string(issues), string(patterns), string(lessons),
		r.UseCount, r.CreatedAt.UTC(),
	)
	if err != nil {
		return Reflection{}, fmt.Errorf("inserting reflection: %w", err)
	}
	return r, nil
}

// FindReflections returns up to k reflections for (taskType, projectID) with
// importance ≥ minImportance, sorted by importance then recency.
func (s *Store) FindReflections(taskType, projectID string, minImportance float64, k int) ([]Reflection, error) {
	if k <= 0 {
		k = 3
	}
	rows, err := s.db.Query(
		`SELECT id, task_type, project_id, importance, issues, patterns, lessons, use_count, created_at, last_used_at
		 FROM reflections
		 WHERE task_type = ? AND project_id = ? AND importance >= ?
		 ORDER BY importance DESC, created_at DESC
		 LIMIT ?`,
		taskType, projectID, minImportance, k,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reflections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reflections []Reflection
	for rows.Next() {
		var r Reflection
		var issues, patterns, lessons string
		var lastUsed sql.NullTime
		err := rows.Scan(&r.ID, &r.TaskType, &r.ProjectID, &r.Importance,
			&issues, &patterns, &lessons, &r.UseCount, &r.CreatedAt, &lastUsed)
		if err != nil {
			return nil, fmt.Errorf("scanning reflection: %w", err)
		}
		if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
			return nil, fmt.Errorf("decoding issues: %w", err)
		}
		if err := json.Unmarshal([]byte(patterns), &r.Patterns); err != nil {
			return nil, fmt.Errorf("decoding patterns: %w", err)
		}
		if err := json.Unmarshal([]byte(lessons), &r.Lessons); err != nil {
			return nil, fmt.Errorf("decoding lessons: %w", err)
		}
		if lastUsed.Valid {
			r.LastUsedAt = lastUsed.Time
		}
		reflections = append(reflections, r)
	}
	return reflections, rows.Err()
}

// ReinforceReflection bumps a reflection's importance by boost (capped at 1.0)
// and records the use.
func (s *Store) ReinforceReflection(id string, boost float64) error {
	_, err := s.db.Exec(
		`UPDATE reflections
		 SET importance = MIN(1.0, importance + ?), use_count = use_count + 1, last_used_at = ?
		 WHERE id = ?`,
		boost, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reinforcing reflection: %w", err)
	}
	return nil
}
