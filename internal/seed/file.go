package seed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pair is one curated question and the SQL that answers it. Older files
// name the question "description".
type Pair struct {
	Question    string `json:"question" yaml:"question"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	SQL         string `json:"sql" yaml:"sql"`
}

func (p Pair) text() string {
	if strings.TrimSpace(p.Question) != "" {
		return p.Question
	}
	return p.Description
}

// ReadFile loads pairs from a .json, .yaml or .yml file.
func ReadFile(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported seed file extension %q", filepath.Ext(path))
	}
}

func ParseJSON(data []byte) ([]Pair, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var pairs []Pair
	if err := decoder.Decode(&pairs); err != nil {
		return nil, fmt.Errorf("decode seed json: %w", err)
	}
	return pairs, nil
}

func ParseYAML(data []byte) ([]Pair, error) {
	var pairs []Pair
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("decode seed yaml: %w", err)
	}
	return pairs, nil
}
