// Package trace persists session telemetry to a local SQLite database so
// rate-limiting behavior can be inspected after the fact.
package trace

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/framepulse/power-hint-advisor/internal/hints"
)

const (
	databaseFileName = "hint-trace.db"
	recordBufferSize = 256
)

var getCurrentTimestamp = time.Now

type recordKind int

const (
	kindReport recordKind = iota
	kindTarget
	kindState
)

type record struct {
	kind      recordKind
	at        time.Time
	batchSize int
	duration  time.Duration
	reason    string
	fromState string
	toState   string
}

// ReportRecord is one transmitted actual work duration batch.
type ReportRecord struct {
	At        time.Time     `json:"at"`
	BatchSize int           `json:"batchSize"`
	Reported  time.Duration `json:"reportedNs"`
	Reason    string        `json:"reason"`
}

// TargetRecord is one target work duration change seen by the controller.
type TargetRecord struct {
	At     time.Time     `json:"at"`
	Target time.Duration `json:"targetNs"`
}

// StateRecord is one session state transition.
type StateRecord struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

// Store implements hints.SessionTracer on top of SQLite. Trace calls only
// enqueue; a single writer goroutine owns the database so the reporting path
// never waits on disk. Records are dropped when the writer falls behind.
type Store struct {
	log       logr.Logger
	db        *sql.DB
	records   chan record
	waitGroup sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Open creates or opens the trace database under dir and starts the writer.
func Open(dir string, logger logr.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}

	dsn := filepath.Join(dir, databaseFileName) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		log:     logger,
		db:      db,
		records: make(chan record, recordBufferSize),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.waitGroup.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS duration_reports (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			at          INTEGER NOT NULL,
			batch_size  INTEGER NOT NULL,
			reported_ns INTEGER NOT NULL,
			reason      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_at ON duration_reports(at)`,

		`CREATE TABLE IF NOT EXISTS target_updates (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			at        INTEGER NOT NULL,
			target_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_at ON target_updates(at)`,

		`CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_at ON session_events(at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close drains pending records and shuts the database down.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.records)
	})
	s.waitGroup.Wait()

	return s.db.Close()
}

func (s *Store) TraceActualReport(batchSize int, reportedActual time.Duration, reason string) {
	s.enqueue(record{
		kind:      kindReport,
		at:        getCurrentTimestamp(),
		batchSize: batchSize,
		duration:  reportedActual,
		reason:    reason,
	})
}

func (s *Store) TraceTargetUpdate(target time.Duration) {
	s.enqueue(record{
		kind:     kindTarget,
		at:       getCurrentTimestamp(),
		duration: target,
	})
}

func (s *Store) TraceStateChange(from, to hints.SessionState) {
	s.enqueue(record{
		kind:      kindState,
		at:        getCurrentTimestamp(),
		fromState: from.String(),
		toState:   to.String(),
	})
}

// Dropped returns how many records were discarded because the writer could
// not keep up.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Store) enqueue(rec record) {
	select {
	case s.records <- rec:
	default:
		s.dropped.Add(1)
		s.log.V(5).Info("trace buffer full, dropping record")
	}
}

func (s *Store) writeLoop() {
	defer s.waitGroup.Done()

	for rec := range s.records {
		if err := s.insert(rec); err != nil {
			s.log.Error(err, "writing trace record failed")
		}
	}
}

func (s *Store) insert(rec record) error {
	var err error
	switch rec.kind {
	case kindReport:
		_, err = s.db.Exec(
			`INSERT INTO duration_reports (at, batch_size, reported_ns, reason) VALUES (?, ?, ?, ?)`,
			rec.at.UnixNano(), rec.batchSize, rec.duration.Nanoseconds(), rec.reason,
		)
	case kindTarget:
		_, err = s.db.Exec(
			`INSERT INTO target_updates (at, target_ns) VALUES (?, ?)`,
			rec.at.UnixNano(), rec.duration.Nanoseconds(),
		)
	case kindState:
		_, err = s.db.Exec(
			`INSERT INTO session_events (at, from_state, to_state) VALUES (?, ?, ?)`,
			rec.at.UnixNano(), rec.fromState, rec.toState,
		)
	}
	return err
}

// RecentReports returns the newest transmitted batches, newest first.
func (s *Store) RecentReports(limit int) ([]ReportRecord, error) {
	rows, err := s.db.Query(
		`SELECT at, batch_size, reported_ns, reason FROM duration_reports ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []ReportRecord
	for rows.Next() {
		var rec ReportRecord
		var at, reported int64
		if err := rows.Scan(&at, &rec.BatchSize, &reported, &rec.Reason); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at)
		rec.Reported = time.Duration(reported)
		reports = append(reports, rec)
	}
	return reports, rows.Err()
}

// RecentTargets returns the newest target changes, newest first.
func (s *Store) RecentTargets(limit int) ([]TargetRecord, error) {
	rows, err := s.db.Query(
		`SELECT at, target_ns FROM target_updates ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []TargetRecord
	for rows.Next() {
		var rec TargetRecord
		var at, target int64
		if err := rows.Scan(&at, &target); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at)
		rec.Target = time.Duration(target)
		targets = append(targets, rec)
	}
	return targets, rows.Err()
}

// RecentStateChanges returns the newest session transitions, newest first.
func (s *Store) RecentStateChanges(limit int) ([]StateRecord, error) {
	rows, err := s.db.Query(
		`SELECT at, from_state, to_state FROM session_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []StateRecord
	for rows.Next() {
		var rec StateRecord
		var at int64
		if err := rows.Scan(&at, &rec.From, &rec.To); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at)
		changes = append(changes, rec)
	}
	return changes, rows.Err()
}
