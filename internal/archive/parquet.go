package archive

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/textql/textql/internal/textql"
)

type EncodeResult struct {
	Data        []byte
	RecordCount int64
	First       textql.FeedbackCursor
	Last        textql.FeedbackCursor
}

type feedbackRow struct {
	FeedbackID      string  `parquet:"feedback_id"`
	Token           string  `parquet:"token"`
	Question        string  `parquet:"question"`
	SQL             string  `parquet:"sql"`
	Verdict         string  `parquet:"verdict"`
	CorrectedSQL    *string `parquet:"corrected_sql,optional"`
	CreatedAtUnixMs int64   `parquet:"created_at_unix_ms"`
}

// EncodeFeedback writes records, already in cursor order, as one Parquet
// file and reports the cursor bounds of the batch.
func EncodeFeedback(records []textql.FeedbackRecord) (EncodeResult, error) {
	if len(records) == 0 {
		return EncodeResult{}, fmt.Errorf("feedback records are required")
	}

	rows := make([]feedbackRow, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			return EncodeResult{}, fmt.Errorf("feedback record without id")
		}
		rows = append(rows, feedbackRow{
			FeedbackID:      record.ID,
			Token:           record.Token,
			Question:        record.Question,
			SQL:             record.SQL,
			Verdict:         string(record.Verdict),
			CorrectedSQL:    record.CorrectedSQL,
			CreatedAtUnixMs: record.CreatedAt.UTC().UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[feedbackRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	first := records[0]
	last := records[len(records)-1]
	return EncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		First:       textql.FeedbackCursor{CreatedAt: first.CreatedAt, ID: first.ID},
		Last:        textql.FeedbackCursor{CreatedAt: last.CreatedAt, ID: last.ID},
	}, nil
}
