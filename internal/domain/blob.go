package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobChecker verifies an object landed in cold storage, gating the prune
// step of an archive run.
type BlobChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves aged terminal rows out of the hot tables into cold storage.
// Each method returns the number of rows archived.
type Archiver interface {
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
	ArchiveListings(ctx context.Context, before time.Time) (int64, error)
}
