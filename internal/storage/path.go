package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildArchivePath names the Parquet object holding one archived feedback
// batch. The name depends only on the batch bounds, so re-running the same
// batch targets the same key.
func BuildArchivePath(dataset string, firstCreatedAt time.Time, firstID, lastID string) (string, error) {
	if err := validatePathComponent(dataset, "dataset"); err != nil {
		return "", err
	}
	if err := validatePathComponent(firstID, "first id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(lastID, "last id"); err != nil {
		return "", err
	}

	ts := firstCreatedAt.UTC()
	return path.Join(
		dataset,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s-%d-%s-%s.parquet", dataset, ts.UnixMilli(), firstID, lastID),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
