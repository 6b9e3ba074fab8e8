package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/massawatch/internal/history"
)

func TestSQLiteSink_WritesEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: time.Now(), Name: "massa-node", State: "live", OK: true},
		{Type: history.EventNotification, OccurredAt: time.Now(), Name: "failure", Subject: "AU1", Subscriber: 42, OK: false, Detail: "blocked"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send event: %v", err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watch_history`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
	var (
		subscriber int64
		ok         bool
		detail     string
	)
	err = sink.db.QueryRowContext(ctx, `SELECT subscriber, ok, detail FROM watch_history WHERE subject = ?`, "AU1").
		Scan(&subscriber, &ok, &detail)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if subscriber != 42 || ok || detail != "blocked" {
		t.Fatalf("unexpected row: %d %v %q", subscriber, ok, detail)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
