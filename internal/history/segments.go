package history

import (
	"fmt"
	"time"
)

// Segment is one durable output chunk.
type Segment struct {
	WorkerID  string    `json:"workerId"`
	Seq       uint64    `json:"seq"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppendSegment queues an output segment for durable storage. The write is
// asynchronous; ordering per worker is preserved by the single writer.
// Returns an error only when the store is shutting down with a full queue.
func (s *Store) AppendSegment(workerID string, seq uint64, data []byte, at time.Time) error {
	s.inflight.Add(1)
	select {
	case s.writes <- segmentWrite{workerID: workerID, seq: seq, data: data, at: at}:
		return nil
	default:
		s.inflight.Add(-1)
		return fmt.Errorf("history write queue full, dropping segment %d for %s", seq, workerID)
	}
}

func (s *Store) insertSegment(w segmentWrite) error {
	_, err := s.db.Exec(
		`INSERT INTO output_segments (worker_id, seq, data, created_at) VALUES (?, ?, ?, ?)`,
		w.workerID, w.seq, w.data, w.at.UTC(),
	)
	return err
}

// History returns a page of output segments for a worker, oldest first.
func (s *Store) History(workerID string, offset, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT worker_id, seq, data, created_at FROM output_segments
		 WHERE worker_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		workerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.WorkerID, &seg.Seq, &seg.Data, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SegmentsSince returns up to limit segments with seq greater than sinceSeq,
// oldest first. Backs the stream-resume path.
func (s *Store) SegmentsSince(workerID string, sinceSeq uint64, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT worker_id, seq, data, created_at FROM output_segments
		 WHERE worker_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		workerID, sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying segments since %d: %w", sinceSeq, err)
	}
	defer func() { _ = rows.Close() }()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.WorkerID, &seg.Seq, &seg.Data, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Flush blocks until every write queued at the time of the call has been
// applied, or parked because the breaker rejected it. Used by the stream
// backfill, tests, and the graceful-shutdown path.
func (s *Store) Flush() {
	// A sentinel write would complicate the queue; polling the backlog is
	// enough at the write rates involved.
	for s.inflight.Load() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

// PruneSegmentsBefore deletes output segments older than cutoff.
// Returns the number of rows removed.
func (s *Store) PruneSegmentsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM output_segments WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning segments: %w", err)
	}
	return res.RowsAffected()
}

// DeleteWorkerSegments removes all output history for a worker.
func (s *Store) DeleteWorkerSegments(workerID string) error {
	_, err := s.db.Exec(`DELETE FROM output_segments WHERE worker_id = ?`, workerID)
	return err
}
