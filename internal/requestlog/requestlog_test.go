package requestlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"modelgate/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestWriteBatchAndRecent(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	entries := []Entry{
		{Timestamp: time.Now().Add(-time.Minute), Route: "/v1/chat/completions", Model: "gpt-4o", StatusCode: 200, Stream: true, Fingerprint: "abc", Usage: core.Usage{TotalTokens: 12}},
		{Timestamp: time.Now(), Route: "/v1/responses", Model: "gpt-4o", StatusCode: 502, ErrorType: "provider_error"},
	}
	if err := store.WriteBatch(context.Background(), entries); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries", len(got))
	}
	if got[0].Route != "/v1/responses" || got[0].ErrorType != "provider_error" {
		t.Errorf("newest entry = %+v", got[0])
	}
	if got[1].Usage.TotalTokens != 12 || !got[1].Stream {
		t.Errorf("oldest entry = %+v", got[1])
	}
}

func TestLoggerFlushOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l := NewLogger(store, Config{BufferSize: 8, FlushInterval: time.Hour}, nil)

	l.Record(Entry{Route: "/v1/chat/completions", Model: "gpt-4o", StatusCode: 200})
	l.Record(Entry{Route: "/v1/models", StatusCode: 200})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("close did not flush: %d entries persisted", len(got))
	}
}

func TestFingerprintStability(t *testing.T) {
	msgs := []core.Message{{Role: "user", Content: "hello"}}
	a := Fingerprint("gpt-4o", msgs)
	b := Fingerprint("gpt-4o", []core.Message{{Role: "user", Content: "hello"}})
	if a != b {
		t.Errorf("same input produced different fingerprints: %s %s", a, b)
	}
	if a == Fingerprint("gpt-4o-mini", msgs) {
		t.Error("different model produced identical fingerprint")
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d", len(a))
	}
	if a == Fingerprint("gpt-4o", []core.Message{{Role: "user", Content: "hellp"}}) {
		t.Error("different content produced identical fingerprint")
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	store := openTestStore(t)
	l := NewLogger(store, Config{BufferSize: 1, FlushInterval: time.Hour}, nil)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Record(Entry{Route: "/v1/chat/completions"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked")
	}
}
