// Package orders holds the sqlite-backed order store, the QR payload
// grammar, and the verification flow that decides whether a scanned code
// names a real order.
package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"

	"github.com/relaybot-data/relaybot/internal/monitoring"
)

// Store wraps the orders database. The control core only reads it; the
// orders CLI writes.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the orders database file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open orders db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &Store{db}, nil
}

// MigrateUp runs all pending migrations up to the latest version. Returns nil
// when the schema is already current.
func (s *Store) MigrateUp(migrationsDir string) error {
	m, err := s.newMigrate(migrationsDir)
	if err != nil {
		return err
	}
	// The migrate instance is not closed: closing it would close the
	// underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *Store) newMigrate(migrationsDir string) (*migrate.Migrate, error) {
	absPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations dir: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", absPath), "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (*migrateLogger) Printf(format string, v ...interface{}) { monitoring.Logf("orders: "+format, v...) }
func (*migrateLogger) Verbose() bool                          { return false }

// EnsureSchema creates the orders table directly, for deployments without a
// migrations directory on disk (tests use this too).
func (s *Store) EnsureSchema() error {
	_, err := s.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id    INTEGER PRIMARY KEY,
			secret_key  TEXT NOT NULL,
			created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Exists reports whether an (order id, secret key) pair names a known order.
// Side-effect free.
func (s *Store) Exists(orderID int, secretKey string) (bool, error) {
	var n int
	err := s.QueryRow(
		`SELECT COUNT(1) FROM orders WHERE order_id = ? AND secret_key = ?`,
		orderID, secretKey,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("order lookup failed: %w", err)
	}
	return n > 0, nil
}

// Add inserts or replaces one order. Used by the orders CLI and test setup.
func (s *Store) Add(orderID int, secretKey string) error {
	_, err := s.Exec(
		`INSERT OR REPLACE INTO orders (order_id, secret_key) VALUES (?, ?)`,
		orderID, secretKey,
	)
	if err != nil {
		return fmt.Errorf("failed to add order %d: %w", orderID, err)
	}
	return nil
}
