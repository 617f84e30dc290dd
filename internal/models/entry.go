// Package models defines the domain types for ansuz.
package models

import "time"

// ChecksumStatus is the lifecycle state of an entry's checksum.
type ChecksumStatus string

// Checksum statuses.
const (
	StatusPending    ChecksumStatus = "pending"
	StatusGenerating ChecksumStatus = "generating"
	StatusComplete   ChecksumStatus = "complete"
	StatusError      ChecksumStatus = "error"
)

// Valid reports whether s is a known status.
func (s ChecksumStatus) Valid() bool {
	switch s {
	case StatusPending, StatusGenerating, StatusComplete, StatusError:
		return true
	}
	return false
}

// Entry is one indexed filesystem path.
type Entry struct {
	Path       string         `json:"path"`
	Size       int64          `json:"size"`
	ModifiedAt time.Time      `json:"modified_at"`
	IsDir      bool           `json:"is_dir"`
	Checksum   *string        `json:"checksum,omitempty"`
	Status     ChecksumStatus `json:"checksum_status"`
	ChecksumAt *time.Time     `json:"checksum_generated_at,omitempty"`
}

// MetadataChanged reports whether size or mtime differ from the stored entry.
// Timestamps are compared at nanosecond precision, which is what the store keeps.
func (e *Entry) MetadataChanged(size int64, modTime time.Time) bool {
	return e.Size != size || !e.ModifiedAt.Equal(modTime)
}

// NeedsChecksum reports whether a file entry must be (re)hashed given the
// metadata just observed on disk.
func (e *Entry) NeedsChecksum(size int64, modTime time.Time) bool {
	if e.IsDir {
		return false
	}
	if e.Checksum == nil || e.Status == StatusError || e.Status == StatusPending {
		return true
	}
	return e.MetadataChanged(size, modTime)
}

// Progress is an aggregate snapshot of checksum work.
type Progress struct {
	Total         int     `json:"total"`
	Complete      int     `json:"complete"`
	Pending       int     `json:"pending"`
	Generating    int     `json:"generating"`
	Error         int     `json:"error"`
	Percentage    float64 `json:"percentage"`
	ActiveWorkers int     `json:"active_workers"`
	IsActive      bool    `json:"is_active"`
}

// StatusCounts is the grouped count of non-directory entries per status.
type StatusCounts map[ChecksumStatus]int

// NewProgress builds a snapshot from grouped counts and the live worker count.
func NewProgress(counts StatusCounts, activeWorkers int) Progress {
	p := Progress{
		Complete:      counts[StatusComplete],
		Pending:       counts[StatusPending],
		Generating:    counts[StatusGenerating],
		Error:         counts[StatusError],
		ActiveWorkers: activeWorkers,
	}
	p.Total = p.Complete + p.Pending + p.Generating + p.Error
	if p.Total == 0 {
		p.Percentage = 100
	} else {
		p.Percentage = float64(p.Complete) * 100 / float64(p.Total)
	}
	p.IsActive = p.Pending > 0 || p.Generating > 0 || activeWorkers > 0
	return p
}

// DirItem is one row of a directory listing.
type DirItem struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Checksum   string    `json:"checksum"`
	IsDir      bool      `json:"is_dir"`
}

// PendingChecksum is reported in listings for files without a digest yet.
const PendingChecksum = "pending"

// NewDirItem converts an entry into a listing row.
func NewDirItem(name string, e Entry) DirItem {
	item := DirItem{
		Name:       name,
		Size:       e.Size,
		ModifiedAt: e.ModifiedAt,
		IsDir:      e.IsDir,
	}
	switch {
	case e.IsDir:
	case e.Checksum != nil && e.Status == StatusComplete:
		item.Checksum = *e.Checksum
	default:
		item.Checksum = PendingChecksum
	}
	return item
}
