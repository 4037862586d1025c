package feedback

import (
	"context"
	"sort"
	"sync"

	"github.com/textql/textql/internal/textql"
)

// MemoryRepository keeps feedback records in process. It backs the memory
// index profile and tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records []textql.FeedbackRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) InsertFeedback(_ context.Context, record textql.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// ListFeedbackAfter returns up to limit records past cursor in cursor order.
func (m *MemoryRepository) ListFeedbackAfter(_ context.Context, cursor textql.FeedbackCursor, limit int) ([]textql.FeedbackRecord, error) {
	m.mu.Lock()
	sorted := append([]textql.FeedbackRecord(nil), m.records...)
	m.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool {
		return textql.FeedbackCursor{CreatedAt: sorted[i].CreatedAt, ID: sorted[i].ID}.Before(sorted[j])
	})
	out := make([]textql.FeedbackRecord, 0)
	for _, record := range sorted {
		if !cursor.Before(record) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) Records() []textql.FeedbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]textql.FeedbackRecord(nil), m.records...)
}
