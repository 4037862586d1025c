package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/textql/textql/internal/catalog"
	"github.com/textql/textql/internal/feedback"
	"github.com/textql/textql/internal/storage"
	"github.com/textql/textql/internal/textql"
)

func TestEncodeFeedbackRoundTrip(t *testing.T) {
	corrected := "SELECT * FROM flights WHERE origin_airport = 'JFK'"
	base := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)
	records := []textql.FeedbackRecord{
		{ID: "a1", Token: "t1", Question: "Show flights from JFK", SQL: "SELECT * FROM flights WHERE origin = 'JFK'", Verdict: textql.VerdictRejected, CorrectedSQL: &corrected, CreatedAt: base},
		{ID: "b2", Token: "t2", Question: "count flights", SQL: "SELECT COUNT(*) FROM flights", Verdict: textql.VerdictApproved, CreatedAt: base.Add(time.Second)},
	}

	result, err := EncodeFeedback(records)
	if err != nil {
		t.Fatalf("EncodeFeedback() error = %v", err)
	}
	if result.RecordCount != 2 {
		t.Fatalf("RecordCount = %d", result.RecordCount)
	}
	if result.First.ID != "a1" || result.Last.ID != "b2" || !result.Last.CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("bounds = %+v .. %+v", result.First, result.Last)
	}

	reader := parquet.NewGenericReader[feedbackRow](bytes.NewReader(result.Data))
	defer func() { _ = reader.Close() }()
	rows := make([]feedbackRow, 2)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0].CorrectedSQL == nil || *rows[0].CorrectedSQL != corrected {
		t.Fatalf("rows[0].CorrectedSQL = %v", rows[0].CorrectedSQL)
	}
	if rows[1].CorrectedSQL != nil {
		t.Fatalf("rows[1].CorrectedSQL = %v, want nil", *rows[1].CorrectedSQL)
	}
	if rows[0].CreatedAtUnixMs != base.UnixMilli() || rows[1].Verdict != "approved" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestEncodeFeedbackRequiresRecords(t *testing.T) {
	if _, err := EncodeFeedback(nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestProcessOnceArchivesInBatchesAndAdvancesCursor(t *testing.T) {
	repo := seededRepository(t, 5)
	cursors := &fakeCursors{}
	objects := newFakeObjectStore()
	service := &Service{Source: repo, Cursors: cursors, ObjectStore: objects, Config: Config{BatchSize: 2}}

	archived, err := service.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if archived != 5 {
		t.Fatalf("ProcessOnce() archived %d, want 5", archived)
	}
	if len(objects.objects) != 3 {
		t.Fatalf("objects = %d, want 3", len(objects.objects))
	}
	for key := range objects.objects {
		if !strings.HasPrefix(key, "feedback/date=2026-02-19/") || !strings.HasSuffix(key, ".parquet") {
			t.Fatalf("unexpected key %q", key)
		}
	}
	if cursors.saved.ID != "id-4" {
		t.Fatalf("saved cursor = %+v, want id-4", cursors.saved)
	}

	archived, err = service.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("second ProcessOnce() error = %v", err)
	}
	if archived != 0 || len(objects.objects) != 3 {
		t.Fatalf("second run archived %d, objects %d", archived, len(objects.objects))
	}
}

func TestProcessOnceKeepsCursorWhenUploadFails(t *testing.T) {
	repo := seededRepository(t, 2)
	cursors := &fakeCursors{}
	objects := newFakeObjectStore()
	objects.putErr = errors.New("bucket unavailable")
	service := &Service{Source: repo, Cursors: cursors, ObjectStore: objects, Config: Config{BatchSize: 10}}

	if _, err := service.ProcessOnce(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	if cursors.saves != 0 {
		t.Fatalf("cursor saved %d times after failed upload", cursors.saves)
	}
}

func TestProcessOnceSkipsUploadOfStoredBatch(t *testing.T) {
	repo := seededRepository(t, 2)
	cursors := &fakeCursors{}
	objects := newFakeObjectStore()
	service := &Service{Source: repo, Cursors: cursors, ObjectStore: objects, Config: Config{BatchSize: 10}}

	// Upload succeeded earlier but the cursor was never saved.
	records, _ := repo.ListFeedbackAfter(context.Background(), textql.FeedbackCursor{}, 10)
	encoded, err := EncodeFeedback(records)
	if err != nil {
		t.Fatalf("EncodeFeedback() error = %v", err)
	}
	key, err := storage.BuildArchivePath("feedback", encoded.First.CreatedAt, encoded.First.ID, encoded.Last.ID)
	if err != nil {
		t.Fatalf("BuildArchivePath() error = %v", err)
	}
	objects.objects[key] = encoded.Data

	if _, err := service.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if objects.puts != 0 {
		t.Fatalf("puts = %d, want 0", objects.puts)
	}
	if cursors.saved.ID != "id-1" {
		t.Fatalf("saved cursor = %+v", cursors.saved)
	}
}

func TestProcessOnceRewritesObjectHoldingDifferentBatch(t *testing.T) {
	repo := seededRepository(t, 2)
	cursors := &fakeCursors{}
	objects := newFakeObjectStore()
	service := &Service{Source: repo, Cursors: cursors, ObjectStore: objects, Config: Config{BatchSize: 10, Dataset: "feedback"}}

	records, _ := repo.ListFeedbackAfter(context.Background(), textql.FeedbackCursor{}, 10)
	encoded, err := EncodeFeedback(records)
	if err != nil {
		t.Fatalf("EncodeFeedback() error = %v", err)
	}
	key, err := storage.BuildArchivePath("feedback", encoded.First.CreatedAt, encoded.First.ID, encoded.Last.ID)
	if err != nil {
		t.Fatalf("BuildArchivePath() error = %v", err)
	}
	objects.objects[key] = []byte("partial")
	objects.metadata[key] = map[string]string{"Record-Count": "1"}

	if _, err := service.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if objects.puts != 1 {
		t.Fatalf("puts = %d, want the stale object rewritten", objects.puts)
	}
	if !bytes.Equal(objects.objects[key], encoded.Data) {
		t.Fatal("archive object was not replaced with the encoded batch")
	}
	want := map[string]string{"dataset": "feedback", "record-count": "2", "first-feedback-id": "id-0", "last-feedback-id": "id-1"}
	for k, v := range want {
		if objects.metadata[key][k] != v {
			t.Fatalf("metadata[%q] = %q, want %q (all: %v)", k, objects.metadata[key][k], v, objects.metadata[key])
		}
	}
	if cursors.saved.ID != "id-1" {
		t.Fatalf("saved cursor = %+v", cursors.saved)
	}
}

func TestProcessOnceResumesFromSavedCursor(t *testing.T) {
	repo := seededRepository(t, 3)
	records := repo.Records()
	cursors := &fakeCursors{saved: textql.FeedbackCursor{CreatedAt: records[1].CreatedAt, ID: records[1].ID}, found: true}
	objects := newFakeObjectStore()
	service := &Service{Source: repo, Cursors: cursors, ObjectStore: objects}

	archived, err := service.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	service := &Service{
		Source:      feedback.NewMemoryRepository(),
		Cursors:     &fakeCursors{},
		ObjectStore: newFakeObjectStore(),
		Config:      Config{Interval: time.Millisecond},
	}
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func seededRepository(t *testing.T, n int) *feedback.MemoryRepository {
	t.Helper()
	repo := feedback.NewMemoryRepository()
	base := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		record := textql.FeedbackRecord{
			ID:        "id-" + string(rune('0'+i)),
			Token:     "tok",
			Question:  "q",
			SQL:       "SELECT 1",
			Verdict:   textql.VerdictApproved,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.InsertFeedback(context.Background(), record); err != nil {
			t.Fatalf("InsertFeedback() error = %v", err)
		}
	}
	return repo
}

type fakeCursors struct {
	saved textql.FeedbackCursor
	found bool
	saves int
}

func (f *fakeCursors) GetArchiveCursor(context.Context, string) (textql.FeedbackCursor, error) {
	if !f.found {
		return textql.FeedbackCursor{}, catalog.ErrNotFound
	}
	return f.saved, nil
}

func (f *fakeCursors) SaveArchiveCursor(_ context.Context, _ string, cursor textql.FeedbackCursor) error {
	f.saved = cursor
	f.found = true
	f.saves++
	return nil
}

type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	puts     int
	putErr   error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return storage.ObjectInfo{}, f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[key] = data
	f.metadata[key] = opts.Metadata
	f.puts++
	return storage.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeObjectStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), Metadata: f.metadata[key]}, nil
}
