// Package archive exports the feedback log to object storage as Parquet so
// verdicts and corrections can be evaluated offline.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/textql/textql/internal/catalog"
	"github.com/textql/textql/internal/observability"
	"github.com/textql/textql/internal/storage"
	"github.com/textql/textql/internal/textql"
)

const parquetContentType = "application/vnd.apache.parquet"

type Source interface {
	ListFeedbackAfter(ctx context.Context, cursor textql.FeedbackCursor, limit int) ([]textql.FeedbackRecord, error)
}

type CursorStore interface {
	GetArchiveCursor(ctx context.Context, name string) (textql.FeedbackCursor, error)
	SaveArchiveCursor(ctx context.Context, name string, cursor textql.FeedbackCursor) error
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	Dataset    string
	CursorName string
}

// Service moves feedback past the saved cursor into Parquet objects. The
// cursor advances only after an object is stored, so a failed cycle is
// retried from the same position on the next one.
type Service struct {
	Source      Source
	Cursors     CursorStore
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			s.Logger.ErrorContext(ctx, "archive cycle failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce drains every pending batch and returns the number of records
// archived.
func (s *Service) ProcessOnce(ctx context.Context) (int, error) {
	s.ensureDefaults()

	cursor, err := s.Cursors.GetArchiveCursor(ctx, s.Config.CursorName)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			observability.ObserveArchiveRun(0, err)
			return 0, fmt.Errorf("load archive cursor: %w", err)
		}
		cursor = textql.FeedbackCursor{}
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			observability.ObserveArchiveRun(total, err)
			return total, err
		}
		records, err := s.Source.ListFeedbackAfter(ctx, cursor, s.Config.BatchSize)
		if err != nil {
			observability.ObserveArchiveRun(total, err)
			return total, fmt.Errorf("list feedback: %w", err)
		}
		if len(records) == 0 {
			break
		}

		next, err := s.archiveBatch(ctx, records)
		if err != nil {
			observability.ObserveArchiveRun(total, err)
			return total, err
		}
		cursor = next
		total += len(records)

		if len(records) < s.Config.BatchSize {
			break
		}
	}

	observability.ObserveArchiveRun(total, nil)
	if total > 0 {
		s.Logger.InfoContext(ctx, "feedback archived",
			slog.Int("records", total),
			slog.Time("cursor_created_at", cursor.CreatedAt),
			slog.String("cursor_id", cursor.ID),
		)
	}
	return total, nil
}

func (s *Service) archiveBatch(ctx context.Context, records []textql.FeedbackRecord) (textql.FeedbackCursor, error) {
	encoded, err := EncodeFeedback(records)
	if err != nil {
		return textql.FeedbackCursor{}, fmt.Errorf("encode feedback to parquet: %w", err)
	}

	key, err := storage.BuildArchivePath(s.Config.Dataset, encoded.First.CreatedAt, encoded.First.ID, encoded.Last.ID)
	if err != nil {
		return textql.FeedbackCursor{}, fmt.Errorf("build archive path: %w", err)
	}

	metadata := batchMetadata(s.Config.Dataset, encoded)

	// A previous cycle may have stored this exact batch and failed before
	// saving the cursor. Objects written without metadata are trusted.
	existing, err := s.ObjectStore.Stat(ctx, key)
	switch {
	case err == nil && holdsBatch(existing, metadata):
		s.Logger.InfoContext(ctx, "archive object already present", slog.String("key", key))
	case err == nil || errors.Is(err, storage.ErrObjectNotFound):
		if err == nil {
			count, _ := existing.Meta(metaRecordCount)
			s.Logger.WarnContext(ctx, "archive object holds a different batch, rewriting",
				slog.String("key", key),
				slog.String("stored_records", count),
				slog.Int64("records", encoded.RecordCount),
			)
		}
		opts := storage.PutOptions{ContentType: parquetContentType, Metadata: metadata}
		if _, err := s.ObjectStore.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), opts); err != nil {
			return textql.FeedbackCursor{}, fmt.Errorf("put archive object: %w", err)
		}
	default:
		return textql.FeedbackCursor{}, fmt.Errorf("stat archive object: %w", err)
	}

	if err := s.Cursors.SaveArchiveCursor(ctx, s.Config.CursorName, encoded.Last); err != nil {
		return textql.FeedbackCursor{}, fmt.Errorf("save archive cursor: %w", err)
	}
	return encoded.Last, nil
}

const (
	metaDataset         = "dataset"
	metaRecordCount     = "record-count"
	metaFirstFeedbackID = "first-feedback-id"
	metaLastFeedbackID  = "last-feedback-id"
)

func batchMetadata(dataset string, encoded EncodeResult) map[string]string {
	return map[string]string{
		metaDataset:         dataset,
		metaRecordCount:     strconv.FormatInt(encoded.RecordCount, 10),
		metaFirstFeedbackID: encoded.First.ID,
		metaLastFeedbackID:  encoded.Last.ID,
	}
}

func holdsBatch(info storage.ObjectInfo, want map[string]string) bool {
	for _, key := range []string{metaRecordCount, metaFirstFeedbackID, metaLastFeedbackID} {
		got, ok := info.Meta(key)
		if ok && got != want[key] {
			return false
		}
	}
	return true
}

func (s *Service) ensureDefaults() {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = 5 * time.Minute
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 500
	}
	if s.Config.Dataset == "" {
		s.Config.Dataset = "feedback"
	}
	if s.Config.CursorName == "" {
		s.Config.CursorName = "feedback"
	}
}
