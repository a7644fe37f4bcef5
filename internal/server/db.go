package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"file-share/internal/db"
)

// OpenDB opens the metadata database for the given driver ("sqlite3" or
// "pgx") and verifies connectivity before returning.
func OpenDB(driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is empty")
	}
	if _, err := db.Dialect(driver); err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	switch driver {
	case db.DriverSQLite:
		// SQLite allows one writer; a single connection serializes statements
		// instead of surfacing "database is locked" under concurrent uploads.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	default:
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return conn, nil
}
