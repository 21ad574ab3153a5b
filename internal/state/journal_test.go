// internal/state/journal_test.go
package state

import (
	"context"
	"testing"
	"time"
)

func TestJournal(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir)
	ctx := context.Background()

	entry := &Entry{
		Kind:            KindDirective,
		Type:            "Text.TextSource",
		DialogRequestID: "d-1",
		MessageID:       "m-1",
		Result:          "finished",
	}
	if err := journal.Append(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if entry.Seq != 1 {
		t.Errorf("expected seq 1, got %d", entry.Seq)
	}
	if entry.Time.IsZero() {
		t.Error("expected time to be stamped")
	}

	entries, err := journal.Tail(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Type != "Text.TextSource" || entries[0].Result != "finished" {
		t.Errorf("unexpected entry %+v", entries[0])
	}

	count, err := journal.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestJournalTailLimit(t *testing.T) {
	journal := NewJournal(t.TempDir())
	ctx := context.Background()

	for _, result := range []string{"connecting", "connected", "disconnected"} {
		if err := journal.Append(ctx, &Entry{Kind: KindConnection, Result: result}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := journal.Tail(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Result != "connected" || entries[1].Result != "disconnected" {
		t.Errorf("unexpected tail order: %s, %s", entries[0].Result, entries[1].Result)
	}
	if entries[1].Seq != 3 {
		t.Errorf("expected seq 3, got %d", entries[1].Seq)
	}
}

func TestJournalSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := NewJournal(dir)
	if err := first.Append(ctx, &Entry{Kind: KindDropped, Type: "Foo.Bar"}); err != nil {
		t.Fatal(err)
	}

	second := NewJournal(dir)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := &Entry{Kind: KindDropped, Type: "Foo.Baz", Time: at}
	if err := second.Append(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if entry.Seq != 2 {
		t.Errorf("expected seq 2 after reopen, got %d", entry.Seq)
	}
	if !entry.Time.Equal(at) {
		t.Errorf("explicit time overwritten: %v", entry.Time)
	}
}

func TestJournalTailMissingFile(t *testing.T) {
	entries, err := NewJournal(t.TempDir()).Tail(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("expected nil entries, got %v", entries)
	}
}
