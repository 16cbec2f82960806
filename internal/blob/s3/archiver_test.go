package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = map[string][]byte{}
	}
	w.objects[path] = buf.Bytes()
	return nil
}

func (w *memWriter) Exists(_ context.Context, path string) (bool, error) {
	_, ok := w.objects[path]
	return ok, nil
}

type memTxnArchive struct {
	rows    []domain.Transaction
	deleted bool
}

func (m *memTxnArchive) ListTerminalBefore(_ context.Context, _ time.Time) ([]domain.Transaction, error) {
	return m.rows, nil
}

func (m *memTxnArchive) DeleteTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	m.deleted = true
	return int64(len(m.rows)), nil
}

type memListingArchive struct {
	rows []domain.Listing
}

func (m *memListingArchive) ListResolvedBefore(_ context.Context, _ time.Time) ([]domain.Listing, error) {
	return m.rows, nil
}

func (m *memListingArchive) DeleteResolvedBefore(_ context.Context, _ time.Time) (int64, error) {
	return int64(len(m.rows)), nil
}

type memAudit struct {
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveTransactions(t *testing.T) {
	writer := &memWriter{}
	txns := &memTxnArchive{rows: []domain.Transaction{
		{ID: "t-1", Status: domain.TransactionStatusSuccess, Amount: decimal.NewFromInt(90)},
		{ID: "t-2", Status: domain.TransactionStatusCanceled},
	}}
	audit := &memAudit{}
	arch := NewArchiver(writer, writer, txns, &memListingArchive{}, audit)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchiveTransactions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveTransactions: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if !txns.deleted {
		t.Error("archived rows not pruned")
	}

	body, ok := writer.objects["archive/transactions/2026-03.jsonl"]
	if !ok {
		t.Fatalf("archive object missing; objects = %v", writer.objects)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 {
		t.Errorf("archive has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"t-1"`) {
		t.Errorf("first line = %s, want transaction t-1", lines[0])
	}

	if len(audit.events) != 1 || audit.events[0] != "archive.transactions" {
		t.Errorf("audit events = %v", audit.events)
	}
}

func TestArchiveListingsEmpty(t *testing.T) {
	writer := &memWriter{}
	arch := NewArchiver(writer, writer, &memTxnArchive{}, &memListingArchive{}, &memAudit{})

	count, err := arch.ArchiveListings(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveListings: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	if len(writer.objects) != 0 {
		t.Error("empty archive should upload nothing")
	}
}
