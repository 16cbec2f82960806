package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the time-ranged archive queries, not the full
// domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// TransactionArchiveStore provides archive access to terminal transactions.
type TransactionArchiveStore interface {
	// ListTerminalBefore returns terminal transactions last updated strictly
	// before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error)

	// DeleteTerminalBefore prunes the rows ListTerminalBefore returns and
	// reports how many were removed.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// ListingArchiveStore provides archive access to resolved listings.
type ListingArchiveStore interface {
	// ListResolvedBefore returns terminal listings last updated strictly
	// before the cutoff.
	ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Listing, error)

	// DeleteResolvedBefore prunes the rows ListResolvedBefore returns and
	// reports how many were removed.
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for aged
// terminal rows, serializing them to JSONL, uploading the result to S3, and
// pruning the archived rows from the hot tables.
//
// Pruning only happens after the uploaded object has been confirmed to exist,
// so a failed or partial upload never loses rows.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	checker  domain.BlobChecker
	txns     TransactionArchiveStore
	listings ListingArchiveStore
	audit    domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	checker domain.BlobChecker,
	txns TransactionArchiveStore,
	listings ListingArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		checker:  checker,
		txns:     txns,
		listings: listings,
		audit:    audit,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveTransactions uploads all terminal transactions older than the cutoff
// to archive/transactions/YYYY-MM.jsonl, prunes them from the hot table, logs
// the archival event, and returns the archived count.
func (a *ArchiveImpl) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	txns, err := a.txns.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	if len(txns) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(txns)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
	}

	path := archivePath("transactions", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions: %w", err)
	}

	deleted, err := a.txns.DeleteTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune transactions: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.transactions", map[string]any{
		"path":   path,
		"count":  deleted,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive transactions audit log: %w", err)
	}

	return deleted, nil
}

// ArchiveListings uploads all resolved listings older than the cutoff to
// archive/listings/YYYY-MM.jsonl, prunes them from the hot table, logs the
// archival event, and returns the archived count.
func (a *ArchiveImpl) ArchiveListings(ctx context.Context, before time.Time) (int64, error) {
	listings, err := a.listings.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive listings query: %w", err)
	}
	if len(listings) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(listings)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive listings marshal: %w", err)
	}

	path := archivePath("listings", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive listings: %w", err)
	}

	deleted, err := a.listings.DeleteResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune listings: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.listings", map[string]any{
		"path":   path,
		"count":  deleted,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive listings audit log: %w", err)
	}

	return deleted, nil
}

// upload writes the object and verifies it is retrievable before the caller
// prunes anything.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if !ok {
			return fmt.Errorf("verify: object %s missing after upload", path)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/transactions/2026-01.jsonl
//	archive/listings/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
