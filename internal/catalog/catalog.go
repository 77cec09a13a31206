// Package catalog records completed uploads. A Record is appended only after
// the remote transfer succeeded; records are never modified or removed.
package catalog

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Page sizes for Page.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ErrDuplicateID is returned when a record with the same file id exists.
var ErrDuplicateID = errors.New("duplicate file id")

// Record describes one successfully relayed upload.
type Record struct {
	ID               string    `json:"fileId"`
	OwnerID          int       `json:"ownerId"`
	OwnerUsername    string    `json:"ownerUsername"`
	OwnerDisplayName string    `json:"ownerDisplayName"`
	OriginalFilename string    `json:"originalFilename"`
	RemotePath       string    `json:"remotePath"`
	UploadedAt       time.Time `json:"uploadedAt"`
	SizeBytes        int64     `json:"sizeBytes"`
}

// Page is one slice of the catalog, newest first.
type Page struct {
	TotalFiles  int      `json:"totalFiles"`
	TotalPages  int      `json:"totalPages"`
	CurrentPage int      `json:"currentPage"`
	Files       []Record `json:"files"`
}

// Stats aggregates the whole catalog. UploadsPerUser is keyed by the
// uploader's display name.
type Stats struct {
	TotalUploads   int            `json:"totalUploads"`
	TotalSize      int64          `json:"totalSize"`
	UploadsPerUser map[string]int `json:"uploadsPerUser"`
}

// Store is the upload metadata log.
type Store interface {
	// Append adds rec. It fails with ErrDuplicateID if rec.ID is taken.
	Append(ctx context.Context, rec Record) error
	// Get returns the record with the given id or a fault.ErrNotFound error.
	Get(ctx context.Context, id string) (Record, error)
	// ListByOwner returns the owner's records, newest first.
	ListByOwner(ctx context.Context, ownerID int) ([]Record, error)
	// Page returns the 1-indexed page of all records, newest first.
	Page(ctx context.Context, page, limit int) (Page, error)
	// Stats aggregates all records.
	Stats(ctx context.Context) (Stats, error)
}

// NormalizePage applies the defaults to non-positive values and caps limit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// TotalPages is ceil(total/limit).
func TotalPages(total, limit int) int {
	if limit < 1 {
		return 0
	}
	return (total + limit - 1) / limit
}

// newestFirst orders records by UploadedAt descending. recs must be in
// insertion order; ties keep the later insertion first.
func newestFirst(recs []Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out
}
