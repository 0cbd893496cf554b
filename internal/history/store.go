// Package history provides the durable SQLite store for output segments,
// checkpoints, and correction-loop reflections.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/drewrad8/foreman/internal/breaker"
	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/recovery"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database. Output segment writes are funnelled
// through a single writer goroutine so capturers never contend on the
// database; reads and the remaining tables use the pool directly.
type Store struct {
	db  *sql.DB
	brk *breaker.Breaker

	writes chan segmentWrite
	// inflight counts queued writes not yet applied or parked; Flush polls it.
	inflight atomic.Int64
	done     chan struct{}
	closing  sync.Once
}

// Option adjusts store construction.
type Option func(*Store)

// WithBreaker guards segment writes with the given circuit breaker instead of
// a store-private one.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Store) { s.brk = b }
}

type segmentWrite struct {
	workerID string
	seq      uint64
	data     []byte
	at       time.Time
}

// writeQueueSize bounds the segment write backlog. The writer drains in
// batches, so the queue only fills when the disk stalls.
const writeQueueSize = 1024

// Open opens (creating if necessary) the history database at dir/history.db,
// applies migrations, and starts the segment writer.
func Open(dir string, opts ...Option) (*Store, error) {
	path := filepath.Join(dir, "history.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	s, err := newStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store. Used by tests.
func OpenMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory db: %w", err)
	}
	// The single-writer queue is the only concurrent user; a one-connection
	// pool keeps the in-memory database shared.
	db.SetMaxOpenConns(1)

	s, err := newStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, opts ...Option) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		writes: make(chan segmentWrite, writeQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.brk == nil {
		s.brk = breaker.New("history.write", breaker.DefaultConfig())
	}
	log.SafeGo("history.writer", s.writerLoop)
	return s, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// insertMaxRetries bounds retry attempts for a single queued write.
const insertMaxRetries = 3

// parkedMax bounds writes held back while the breaker is open.
const parkedMax = 1024

// parkedRetryInterval is how often held-back writes are retried when the
// queue is otherwise idle.
const parkedRetryInterval = time.Second

// writerLoop drains queued segment writes until the queue is closed. Writes
// rejected by an open breaker are parked and retried once the breaker
// re-admits calls; the parked backlog drains first so per-worker ordering
// holds.
func (s *Store) writerLoop() {
	defer close(s.done)

	retry := time.NewTicker(parkedRetryInterval)
	defer retry.Stop()

	var parked []segmentWrite
	for {
		select {
		case w, ok := <-s.writes:
			if !ok {
				parked = s.drainParked(parked)
				for _, p := range parked {
					log.Warn(log.CatStore, "segment lost at shutdown", "workerID", p.workerID, "seq", p.seq)
				}
				return
			}
			parked = s.drainParked(parked)
			if len(parked) > 0 || !s.insertWithRetry(w) {
				parked = park(parked, w)
			}
			s.inflight.Add(-1)
		case <-retry.C:
			parked = s.drainParked(parked)
		}
	}
}

// drainParked retries parked writes in order, stopping at the first that
// still cannot be written.
func (s *Store) drainParked(parked []segmentWrite) []segmentWrite {
	for len(parked) > 0 {
		if !s.insertWithRetry(parked[0]) {
			return parked
		}
		parked = parked[1:]
	}
	return nil
}

// park appends w to the parked backlog, dropping the oldest entry when full.
func park(parked []segmentWrite, w segmentWrite) []segmentWrite {
	if len(parked) >= parkedMax {
		drop := parked[0]
		parked = parked[1:]
		log.Warn(log.CatStore, "parked backlog full, dropping oldest segment",
			"workerID", drop.workerID, "seq", drop.seq)
	}
	return append(parked, w)
}

// insertWithRetry writes one segment under the breaker, retrying transient
// failures with backoff. Returns false when the write must be parked for a
// later pass: the breaker rejected it, or its retries ran out. Only fatal
// errors abandon the segment.
func (s *Store) insertWithRetry(w segmentWrite) bool {
	for attempt := 0; ; attempt++ {
		err := s.brk.Execute(context.Background(), func(context.Context) error {
			return s.insertSegment(w)
		})
		if err == nil {
			return true
		}
		if breaker.IsOpen(err) {
			// The breaker re-admits on its own clock; sleeping here would
			// stall the whole queue.
			return false
		}

		tier := recovery.Classify(err)
		if tier == recovery.Fatal {
			log.ErrorErr(log.CatStore, "segment insert failed", err,
				"workerID", w.workerID, "seq", w.seq)
			return true
		}
		decision := recovery.Decide(err, tier, attempt, insertMaxRetries)
		if decision.Action != recovery.ActionRetry {
			log.Warn(log.CatStore, "segment insert parked",
				"workerID", w.workerID, "seq", w.seq, "attempts", attempt+1, "error", err.Error())
			return false
		}
		time.Sleep(decision.Delay)
	}
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.closing.Do(func() {
		close(s.writes)
	})
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Warn(log.CatStore, "writer drain timed out")
	}
	return s.db.Close()
}
