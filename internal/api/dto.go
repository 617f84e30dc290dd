package api

import (
	"github.com/starford/ansuz/internal/fileservice"
	"github.com/starford/ansuz/internal/models"
)

// DirListResponse wraps a directory listing.
type DirListResponse struct {
	Path  string           `json:"path" example:"photos/2024" validate:"required"`
	Items []models.DirItem `json:"items" validate:"required"`
}

// FileDetail is the entry response type (aliased from the domain layer).
type FileDetail = fileservice.FileDetail

// UploadResponse is returned after a successful upload (aliased from the domain layer).
type UploadResponse = fileservice.UploadResult

// MoveRequest is the request body for moving a file or directory.
type MoveRequest struct {
	From string `json:"from" example:"inbox/a.jpg" validate:"required"`
	To   string `json:"to" example:"photos/a.jpg" validate:"required"`
}

// StatusResponse acknowledges an accepted asynchronous operation.
type StatusResponse struct {
	Status string `json:"status" example:"accepted" validate:"required"`
}
