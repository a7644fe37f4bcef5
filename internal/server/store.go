package server

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"file-share/internal/db"
)

// FileRecord is one successfully uploaded file.
type FileRecord struct {
	ID         int64  `db:"id" json:"-"`
	Filename   string `db:"filename" json:"filename"`
	Identifier string `db:"identifier" json:"identifier"`
	LocalPath  string `db:"local_path" json:"-"`
}

// Store is the metadata registry over the files table. Every method is a
// single auto-committed statement, so it is safe for concurrent handlers.
type Store struct {
	conn   *sqlx.DB
	driver string
}

// NewStore wraps an open connection pool. The pool stays owned by the caller.
func NewStore(conn *sql.DB, driver string) *Store {
	return &Store{
		conn:   sqlx.NewDb(conn, driver),
		driver: driver,
	}
}

// Initialize creates the files table when it does not exist yet.
func (s *Store) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.RunMigrations(s.conn.DB, s.driver)
}

// Insert registers a stored file and returns its surrogate id.
func (s *Store) Insert(ctx context.Context, filename, identifier, localPath string) (int64, error) {
	var id int64
	err := s.conn.QueryRowxContext(ctx, s.conn.Rebind(
		`INSERT INTO files (filename, identifier, local_path) VALUES (?, ?, ?) RETURNING id`),
		filename, identifier, localPath,
	).Scan(&id)
	if err != nil {
		return 0, &StorageWriteError{Op: "insert", Err: err}
	}
	return id, nil
}

// ListAll returns every record in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]FileRecord, error) {
	var records []FileRecord
	err := s.conn.SelectContext(ctx, &records,
		`SELECT id, filename, identifier, local_path FROM files ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindByIdentifier looks up a record by its public identifier. A missing
// record is reported as ok == false with a nil error.
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (FileRecord, bool, error) {
	var rec FileRecord
	err := s.conn.GetContext(ctx, &rec, s.conn.Rebind(
		`SELECT id, filename, identifier, local_path FROM files WHERE identifier = ?`),
		identifier,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

// ListAfter returns up to limit records with id greater than afterID.
func (s *Store) ListAfter(ctx context.Context, afterID int64, limit int) ([]FileRecord, error) {
	var records []FileRecord
	err := s.conn.SelectContext(ctx, &records, s.conn.Rebind(
		`SELECT id, filename, identifier, local_path FROM files WHERE id > ? ORDER BY id LIMIT ?`),
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Store) Driver() string { return s.driver }

// Stats reports connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.conn.Stats()
}
