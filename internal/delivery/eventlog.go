package delivery

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaybot-data/relaybot/internal/monitoring"
)

// TransitionRecord is one structured state-change row.
type TransitionRecord struct {
	AttemptID string // delivery attempt the transition belongs to
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// TransitionLog persists transition records.
type TransitionLog interface {
	Record(rec TransitionRecord)
}

// SQLiteLog writes transitions to the delivery events database, the same way
// sensor observations are recorded elsewhere in the fleet.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLiteLog opens (or creates) the events database.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open events db: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			attempt_id   TEXT,
			from_state   TEXT,
			to_state     TEXT,
			reason       TEXT,
			ts_nanos     BIGINT,
			timestamp    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transitions table: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Record(rec TransitionRecord) {
	_, err := l.db.Exec(
		`INSERT INTO transitions (attempt_id, from_state, to_state, reason, ts_nanos) VALUES (?, ?, ?, ?, ?)`,
		rec.AttemptID, string(rec.From), string(rec.To), rec.Reason, rec.Timestamp.UnixNano(),
	)
	if err != nil {
		monitoring.Logf("delivery: failed to record transition: %v", err)
	}
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error { return l.db.Close() }

// MemoryLog collects transition records in memory for tests and bench runs.
type MemoryLog struct {
	mu   sync.Mutex
	recs []TransitionRecord
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Record(rec TransitionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
}

// Records returns a copy of everything recorded so far.
func (l *MemoryLog) Records() []TransitionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TransitionRecord(nil), l.recs...)
}

// States returns just the to-states, in order, for scenario assertions.
func (l *MemoryLog) States() []State {
	var out []State
	for _, r := range l.Records() {
		out = append(out, r.To)
	}
	return out
}
