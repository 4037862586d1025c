package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/textql/textql/internal/textql"
)

// BuildPrompt assembles the model prompt. Sections appear in a fixed order:
// schema, sample rows per table in schema order, examples in rank order,
// then the question. Empty sections are left out entirely. Identical inputs
// always produce identical bytes.
func BuildPrompt(schema textql.SchemaDescriptor, samples textql.SampleSet, examples []textql.Example, question string) string {
	var b strings.Builder

	if len(schema.Tables) > 0 {
		b.WriteString("Here is the schema information. These are the tables and their columns.\n")
		for _, table := range schema.Tables {
			columns := make([]string, 0, len(table.Columns))
			for _, column := range table.Columns {
				columns = append(columns, strings.TrimSpace(column.Name+" "+column.Type))
			}
			fmt.Fprintf(&b, "Table: %s, Columns: %s\n", table.Name, strings.Join(columns, ", "))
		}
		b.WriteString("\n")
	}

	if section := sampleSection(schema, samples); section != "" {
		b.WriteString("Here are sample rows from each table.\n")
		b.WriteString(section)
		b.WriteString("\n")
	}

	if len(examples) > 0 {
		b.WriteString("Use the following references for guidance. Each is a question and its SQL query.\n")
		for _, example := range examples {
			fmt.Fprintf(&b, "- %s: %s\n", oneLine(example.Question), oneLine(example.SQL))
		}
		b.WriteString("\n")
	}

	b.WriteString("Translate the following question into a single SQL query. ")
	b.WriteString("If the question has a typo, interpret it against the schema above.\n")
	fmt.Fprintf(&b, "Question: %q\n", question)
	b.WriteString("Return the SQL query only. No other text.\n")
	return b.String()
}

func sampleSection(schema textql.SchemaDescriptor, samples textql.SampleSet) string {
	var b strings.Builder
	for _, table := range schema.Tables {
		sample, ok := samples[table.Name]
		if !ok || len(sample.Rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Table: %s (%s)\n", table.Name, strings.Join(sample.Columns, ", "))
		for _, row := range sample.Rows {
			b.WriteString(encodeRow(row))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func encodeRow(row []any) string {
	encoded, err := json.Marshal(row)
	if err != nil {
		parts := make([]string, len(row))
		for i, value := range row {
			parts[i] = fmt.Sprint(value)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return string(encoded)
}

func oneLine(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
