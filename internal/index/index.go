package index

import (
	"context"
	"time"

	"github.com/starford/ansuz/internal/models"
)

// Store defines the entry operations the indexing pipeline relies on.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with fakes.
type Store interface {
	Get(ctx context.Context, path string) (*models.Entry, error)
	FindByPrefix(ctx context.Context, dir string) ([]models.Entry, error)
	FindChildren(ctx context.Context, dir string) ([]models.Entry, error)
	Upsert(ctx context.Context, e models.Entry) error
	UpsertBatch(ctx context.Context, entries []models.Entry) error
	SetStatus(ctx context.Context, path string, status models.ChecksumStatus) error
	SetChecksum(ctx context.Context, path string, size int64, modTime time.Time, sum string, at time.Time) (bool, error)
	UpdateWhereStatusIn(ctx context.Context, from []models.ChecksumStatus, to models.ChecksumStatus) (int64, error)
	DeleteWhere(ctx context.Context, path string) (int64, error)
	Rename(ctx context.Context, oldPath, newPath string) (int64, error)
	CountByStatus(ctx context.Context) (models.StatusCounts, error)
	ListPending(ctx context.Context, limit int) ([]models.Entry, error)
}

// Verify *DB and *Gateway satisfy Store at compile time.
var (
	_ Store = (*DB)(nil)
	_ Store = (*Gateway)(nil)
)
