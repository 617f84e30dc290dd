package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

const entryColumns = `path, size, modified_at, is_dir, checksum, checksum_status, checksum_at`

// prefixRange returns the half-open key range [lo, hi) covering every path
// below dir. Comparisons use BINARY collation, so the range is case-sensitive
// and needs no LIKE escaping.
func prefixRange(dir string) (lo, hi string) {
	lo = strings.TrimSuffix(dir, "/") + "/"
	hi = lo[:len(lo)-1] + "0" // '0' sorts right after '/'
	return lo, hi
}

// suffixStart is the 1-based substr() offset of the first character after
// prefix. SQLite counts characters, not bytes, in TEXT values.
func suffixStart(prefix string) int {
	return utf8.RuneCountInString(prefix) + 1
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (models.Entry, error) {
	var (
		e          models.Entry
		modNanos   int64
		isDir      int
		checksum   sql.NullString
		status     string
		checksumAt sql.NullInt64
	)
	if err := r.Scan(&e.Path, &e.Size, &modNanos, &isDir, &checksum, &status, &checksumAt); err != nil {
		return models.Entry{}, err
	}
	e.ModifiedAt = time.Unix(0, modNanos)
	e.IsDir = isDir != 0
	e.Status = models.ChecksumStatus(status)
	if checksum.Valid {
		cs := checksum.String
		e.Checksum = &cs
	}
	if checksumAt.Valid {
		at := time.Unix(0, checksumAt.Int64)
		e.ChecksumAt = &at
	}
	return e, nil
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...any) ([]models.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry stored for path or apperr.ErrNotFound.
func (db *DB) Get(ctx context.Context, path string) (*models.Entry, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE path = ?`, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get: %w", err)
	}
	return &e, nil
}

// FindByPrefix returns every entry below dir, at any depth.
func (db *DB) FindByPrefix(ctx context.Context, dir string) ([]models.Entry, error) {
	lo, hi := prefixRange(dir)
	out, err := db.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE path >= ? AND path < ? ORDER BY path`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("index: find by prefix: %w", err)
	}
	return out, nil
}

// FindChildren returns the direct children of dir with a single range query.
func (db *DB) FindChildren(ctx context.Context, dir string) ([]models.Entry, error) {
	lo, hi := prefixRange(dir)
	out, err := db.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE path >= ? AND path < ?
		  AND instr(substr(path, ?), '/') = 0
		ORDER BY path
	`, lo, hi, suffixStart(lo))
	if err != nil {
		return nil, fmt.Errorf("index: find children: %w", err)
	}
	return out, nil
}

const upsertSQL = `
	INSERT INTO entries (` + entryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		size            = excluded.size,
		modified_at     = excluded.modified_at,
		is_dir          = excluded.is_dir,
		checksum        = excluded.checksum,
		checksum_status = excluded.checksum_status,
		checksum_at     = excluded.checksum_at
`

func entryArgs(e models.Entry) []any {
	var checksum sql.NullString
	if e.Checksum != nil {
		checksum = sql.NullString{String: *e.Checksum, Valid: true}
	}
	var checksumAt sql.NullInt64
	if e.ChecksumAt != nil {
		checksumAt = sql.NullInt64{Int64: e.ChecksumAt.UnixNano(), Valid: true}
	}
	isDir := 0
	if e.IsDir {
		isDir = 1
	}
	status := e.Status
	if status == "" {
		status = models.StatusPending
	}
	return []any{e.Path, e.Size, e.ModifiedAt.UnixNano(), isDir, checksum, string(status), checksumAt}
}

// Upsert inserts or replaces a single entry.
func (db *DB) Upsert(ctx context.Context, e models.Entry) error {
	if _, err := db.conn.ExecContext(ctx, upsertSQL, entryArgs(e)...); err != nil {
		return fmt.Errorf("index: upsert: %w", err)
	}
	return nil
}

// UpsertBatch writes entries in one transaction with a reused prepared statement.
func (db *DB) UpsertBatch(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("index: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, entryArgs(e)...); err != nil {
			return fmt.Errorf("index: upsert %s: %w", e.Path, err)
		}
	}
	return tx.Commit()
}

// SetStatus updates the checksum status of a file entry.
func (db *DB) SetStatus(ctx context.Context, path string, status models.ChecksumStatus) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE entries SET checksum_status = ? WHERE path = ? AND is_dir = 0`, string(status), path)
	if err != nil {
		return fmt.Errorf("index: set status: %w", err)
	}
	return nil
}

// SetChecksum stores a completed digest, but only while the stored size and
// mtime still match the metadata the digest was computed for. It reports
// whether the row was updated; false means the file changed underneath and the
// entry has already been reset to pending by someone else.
func (db *DB) SetChecksum(ctx context.Context, path string, size int64, modTime time.Time, sum string, at time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE entries
		SET checksum = ?, checksum_status = ?, checksum_at = ?
		WHERE path = ? AND is_dir = 0 AND size = ? AND modified_at = ?
	`, sum, string(models.StatusComplete), at.UnixNano(), path, size, modTime.UnixNano())
	if err != nil {
		return false, fmt.Errorf("index: set checksum: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateWhereStatusIn moves every file entry in one of from to status to.
func (db *DB) UpdateWhereStatusIn(ctx context.Context, from []models.ChecksumStatus, to models.ChecksumStatus) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+1)
	args = append(args, string(to))
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE entries SET checksum_status = ? WHERE is_dir = 0 AND checksum_status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("index: update where status: %w", err)
	}
	return res.RowsAffected()
}

// DeleteWhere removes path and every entry below it.
func (db *DB) DeleteWhere(ctx context.Context, path string) (int64, error) {
	lo, hi := prefixRange(path)
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE path = ? OR (path >= ? AND path < ?)`, path, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("index: delete: %w", err)
	}
	return res.RowsAffected()
}

// Rename rewrites oldPath to newPath, cascading to every entry below oldPath.
// Anything already indexed at newPath is replaced.
func (db *DB) Rename(ctx context.Context, oldPath, newPath string) (int64, error) {
	if oldPath == newPath {
		return 0, nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	newLo, newHi := prefixRange(newPath)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE path = ? OR (path >= ? AND path < ?)`, newPath, newLo, newHi); err != nil {
		return 0, fmt.Errorf("index: rename clear target: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE entries SET path = ? WHERE path = ?`, newPath, oldPath)
	if err != nil {
		return 0, fmt.Errorf("index: rename: %w", err)
	}
	n, _ := res.RowsAffected()

	oldLo, oldHi := prefixRange(oldPath)
	res, err = tx.ExecContext(ctx, `
		UPDATE entries
		SET path = ? || substr(path, ?)
		WHERE path >= ? AND path < ?
	`, newLo, suffixStart(oldLo), oldLo, oldHi)
	if err != nil {
		return 0, fmt.Errorf("index: rename children: %w", err)
	}
	children, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("index: rename commit: %w", err)
	}
	return n + children, nil
}

// CountByStatus returns grouped counts over file entries.
func (db *DB) CountByStatus(ctx context.Context) (models.StatusCounts, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT checksum_status, count(*) FROM entries WHERE is_dir = 0 GROUP BY checksum_status`)
	if err != nil {
		return nil, fmt.Errorf("index: count by status: %w", err)
	}
	defer rows.Close()

	out := make(models.StatusCounts)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.ChecksumStatus(status)] = n
	}
	return out, rows.Err()
}

// ListPending returns up to limit file entries in pending or error state.
// Pending rows come first so failing files cannot crowd them out.
func (db *DB) ListPending(ctx context.Context, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	out, err := db.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE is_dir = 0 AND checksum_status IN (?, ?)
		ORDER BY checksum_status = ?, path
		LIMIT ?
	`, string(models.StatusPending), string(models.StatusError), string(models.StatusError), limit)
	if err != nil {
		return nil, fmt.Errorf("index: list pending: %w", err)
	}
	return out, nil
}
