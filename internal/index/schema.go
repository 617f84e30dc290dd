// Package index provides the SQLite-backed entry store and its retrying gateway.
package index

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a sql.DB with entry-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies pending migrations.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// gooseLogger sends migration output to the default slog logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Info("index: migration", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (gooseLogger) Fatalf(format string, v ...any) {
	slog.Error("index: migration failed", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
	os.Exit(1)
}

func migrate(conn *sql.DB) error {
	goose.SetLogger(gooseLogger{})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("index: goose set dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("index: goose up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
