package contextstore

import (
	"fmt"
	"math"

	"github.com/textql/textql/internal/textql"
)

// Distance computes the distance between a and b under metric. The vectors
// must have equal length.
func Distance(metric textql.Metric, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	switch metric {
	case textql.MetricCosine, "":
		var dot, normA, normB float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			normA += float64(a[i]) * float64(a[i])
			normB += float64(b[i]) * float64(b[i])
		}
		if normA == 0 || normB == 0 {
			return 1, nil
		}
		return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
	case textql.MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum), nil
	case textql.MetricInnerProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot, nil
	default:
		return 0, fmt.Errorf("unsupported metric %q", metric)
	}
}
