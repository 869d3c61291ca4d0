/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  The transactional-store adapter for the engine. Documents live in a single
  table keyed by (collection, id) with a version column; optimistic
  concurrency is enforced at commit with version-guarded UPDATEs.

KEY TABLES:
  documents: (collection, id) primary key, partition_key, version, JSON body

INDEXES:
  - idx_documents_partition: partition listings (reservations by event,
    redemptions by code, refunds by order, audit by subject)

COMMIT PROTOCOL:
  1. fn runs against committed reads; every read version is remembered
  2. BEGIN
  3. Re-check versions of read-only documents
  4. INSERT new documents (unique violation => ErrConflict)
  5. UPDATE ... WHERE version = <read version> (0 rows => ErrConflict)
  6. COMMIT

CONCURRENCY:
  Commits are serialized with a mutex so concurrent writers surface as
  version conflicts instead of SQLITE_BUSY. Readers are not blocked.
  ":memory:" databases are pinned to one connection because every
  connection would otherwise open its own empty database.

USAGE:
  store, err := sqlite.New("./data/tickets.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  runner := generic.NewRunner(store, generic.DefaultRetryPolicy(), logger)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/ticket-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		partition_key TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		body BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_partition
		ON documents(collection, partition_key, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

type documentRow struct {
	Collection string `db:"collection"`
	ID         string `db:"id"`
	Partition  string `db:"partition_key"`
	Version    int64  `db:"version"`
	Body       []byte `db:"body"`
	UpdatedAt  string `db:"updated_at"`
}

func (r documentRow) toDocument() generic.Document {
	updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return generic.Document{
		Collection: generic.Collection(r.Collection),
		ID:         r.ID,
		Partition:  r.Partition,
		Version:    r.Version,
		Body:       r.Body,
		UpdatedAt:  updated,
	}
}

// =============================================================================
// READS (generic.Reader)
// =============================================================================

func (s *Store) Get(ctx context.Context, coll generic.Collection, id string) (generic.Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT collection, id, partition_key, version, body, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
	`, string(coll), id)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Document{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.Document{}, fmt.Errorf("failed to load %s/%s: %w", coll, id, err)
	}
	return row.toDocument(), nil
}

func (s *Store) List(ctx context.Context, coll generic.Collection, partition string) ([]generic.Document, error) {
	var rows []documentRow
	var err error
	if partition == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT collection, id, partition_key, version, body, updated_at
			FROM documents
			WHERE collection = ?
			ORDER BY id ASC
		`, string(coll))
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT collection, id, partition_key, version, body, updated_at
			FROM documents
			WHERE collection = ? AND partition_key = ?
			ORDER BY id ASC
		`, string(coll), partition)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", coll, err)
	}

	docs := make([]generic.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDocument())
	}
	return docs, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.Store interface)
// =============================================================================

// RunTx executes fn once and commits its staged writes atomically.
func (s *Store) RunTx(ctx context.Context, fn generic.TxFunc) error {
	view := newTxView(s)
	if err := fn(ctx, view); err != nil {
		return err
	}
	if len(view.writes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for k, version := range view.reads {
		if _, written := view.writes[k]; written {
			continue
		}
		current, err := currentVersion(ctx, sqlTx, k)
		if err != nil {
			return err
		}
		if current != version {
			return generic.ErrConflict
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, k := range view.order {
		doc := view.writes[k]
		expected := view.reads[k]
		if err := writeDocument(ctx, sqlTx, doc, expected, now); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func currentVersion(ctx context.Context, tx *sqlx.Tx, k docKey) (int64, error) {
	var version int64
	err := tx.GetContext(ctx, &version,
		"SELECT version FROM documents WHERE collection = ? AND id = ?",
		string(k.Collection), k.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check version of %s/%s: %w", k.Collection, k.ID, err)
	}
	return version, nil
}

func writeDocument(ctx context.Context, tx *sqlx.Tx, doc generic.Document, expected int64, now string) error {
	if expected == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, partition_key, version, body, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
		`, string(doc.Collection), doc.ID, doc.Partition, doc.Body, now)
		if isUniqueConstraintError(err) {
			return generic.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", doc.Collection, doc.ID, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET partition_key = ?, version = version + 1, body = ?, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?
	`, doc.Partition, doc.Body, now, string(doc.Collection), doc.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", doc.Collection, doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return generic.ErrConflict
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
