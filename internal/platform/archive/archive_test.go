package archive

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/storage"
)

func newTestWriter(t *testing.T, clock func() time.Time) (*Writer, *[]string) {
	t.Helper()

	writer, err := NewWriter(&storage.BucketHandle{}, WithClock(clock))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	var objects []string
	writer.write = func(_ context.Context, object string, _ []byte, contentType string) error {
		if contentType != "application/json" {
			t.Fatalf("expected json content type got %s", contentType)
		}
		objects = append(objects, object)
		return nil
	}
	return writer, &objects
}

func TestArchiveBuildsObjectPath(t *testing.T) {
	now := time.Date(2024, time.June, 2, 9, 30, 0, 0, time.UTC)
	writer, objects := newTestWriter(t, func() time.Time { return now })

	if err := writer.Archive(context.Background(), "stripe", "evt_123", []byte("{}")); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if len(*objects) != 1 {
		t.Fatalf("expected one object write got %d", len(*objects))
	}
	if got, want := (*objects)[0], "stripe/2024-06-02/evt_123.json"; got != want {
		t.Fatalf("object path %q want %q", got, want)
	}
}

func TestArchiveRejectsMissingIdentifiers(t *testing.T) {
	writer, _ := newTestWriter(t, time.Now)

	if err := writer.Archive(context.Background(), "", "evt_123", nil); err == nil {
		t.Fatal("expected error for missing provider")
	}
	if err := writer.Archive(context.Background(), "stripe", " ", nil); err == nil {
		t.Fatal("expected error for missing event id")
	}
}

func TestNewWriterRequiresBucket(t *testing.T) {
	if _, err := NewWriter(nil); err == nil {
		t.Fatal("expected error for nil bucket")
	}
}
