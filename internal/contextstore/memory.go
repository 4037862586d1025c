package contextstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/textql/textql/internal/textql"
)

// MemoryIndex is an append-only example index held in process. Readers work
// on an immutable snapshot and never wait for writers; an append becomes
// visible to lookups that start after it returns.
type MemoryIndex struct {
	metric     textql.Metric
	dimensions int
	now        func() time.Time

	writeMu  sync.Mutex
	nextID   int64
	snapshot atomic.Pointer[[]textql.Example]
}

func NewMemoryIndex(metric textql.Metric, dimensions int) *MemoryIndex {
	if metric == "" {
		metric = textql.MetricCosine
	}
	index := &MemoryIndex{metric: metric, dimensions: dimensions, now: time.Now}
	empty := []textql.Example{}
	index.snapshot.Store(&empty)
	return index
}

func (m *MemoryIndex) AppendExample(_ context.Context, example textql.Example) (textql.Example, error) {
	if len(example.Embedding) == 0 {
		return textql.Example{}, fmt.Errorf("append example: embedding is required")
	}
	if m.dimensions > 0 && len(example.Embedding) != m.dimensions {
		return textql.Example{}, fmt.Errorf("append example: embedding has %d dimensions, index has %d", len(example.Embedding), m.dimensions)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.nextID++
	example.ID = m.nextID
	if example.CreatedAt.IsZero() {
		example.CreatedAt = m.now().UTC()
	}
	if example.Source == "" {
		example.Source = textql.SourceImport
	}
	example.Embedding = append([]float32(nil), example.Embedding...)
	example.Distance = 0

	current := *m.snapshot.Load()
	next := make([]textql.Example, len(current), len(current)+1)
	copy(next, current)
	next = append(next, example)
	m.snapshot.Store(&next)
	return example, nil
}

// FindSimilar ranks examples by ascending distance, breaking ties by the most
// recently created example.
func (m *MemoryIndex) FindSimilar(ctx context.Context, q textql.SimilarityQuery) ([]textql.Example, error) {
	if q.K <= 0 {
		return []textql.Example{}, nil
	}
	examples := *m.snapshot.Load()

	matches := make([]textql.Example, 0, len(examples))
	for _, example := range examples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		distance, err := Distance(m.metric, q.Embedding, example.Embedding)
		if err != nil {
			return nil, fmt.Errorf("find similar: %w", err)
		}
		if q.MaxDistance != 0 && distance > q.MaxDistance {
			continue
		}
		example.Distance = distance
		matches = append(matches, example)
	}
	SortByRank(matches)
	if len(matches) > q.K {
		matches = matches[:q.K]
	}
	return matches, nil
}

func (m *MemoryIndex) Len() int {
	return len(*m.snapshot.Load())
}

// SortByRank orders examples by distance, then newest first, then highest ID.
func SortByRank(examples []textql.Example) {
	sort.SliceStable(examples, func(i, j int) bool {
		a, b := examples[i], examples[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
