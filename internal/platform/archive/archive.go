package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Writer persists verified provider payloads to a Cloud Storage bucket for
// audit. Archiving is best effort; callers log failures and move on.
type Writer struct {
	bucket *storage.BucketHandle
	now    func() time.Time
	write  func(ctx context.Context, object string, payload []byte, contentType string) error
}

// WriterOption customises the archive writer.
type WriterOption func(*Writer)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) WriterOption {
	return func(w *Writer) {
		if clock != nil {
			w.now = clock
		}
	}
}

// NewWriter constructs a Writer bound to the given bucket.
func NewWriter(bucket *storage.BucketHandle, opts ...WriterOption) (*Writer, error) {
	if bucket == nil {
		return nil, errors.New("archive: bucket is required")
	}

	writer := &Writer{
		bucket: bucket,
		now:    time.Now,
	}
	writer.write = writer.writeObject

	for _, opt := range opts {
		if opt != nil {
			opt(writer)
		}
	}

	return writer, nil
}

// Archive stores the raw payload under provider/date/eventID.json.
func (w *Writer) Archive(ctx context.Context, provider string, eventID string, payload []byte) error {
	if w == nil || w.write == nil {
		return errors.New("archive: writer not initialised")
	}

	provider = strings.TrimSpace(provider)
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return errors.New("archive: provider and event id are required")
	}

	object := fmt.Sprintf("%s/%s/%s.json", provider, w.now().UTC().Format("2006-01-02"), eventID)
	if err := w.write(ctx, object, payload, "application/json"); err != nil {
		return fmt.Errorf("archive payload %s: %w", object, err)
	}
	return nil
}

func (w *Writer) writeObject(ctx context.Context, object string, payload []byte, contentType string) error {
	wc := w.bucket.Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(payload); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}
