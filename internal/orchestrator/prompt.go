package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"chatdf/backend/internal/models"
)

const noDatasetPrompt = `You are a data analyst assistant. No datasets are loaded in this conversation yet. Invite the user to load one with a URL to a CSV, Parquet, or JSON file before you can run any analysis.`

// buildSystemPrompt deterministically renders the dataset catalog, SQL
// dialect rules, and tool-use guidance the model needs for one turn.
// The first dataset is the reference: later datasets with a
// name+type-identical column are rendered as "same as <ref>.<col>"
// rather than repeating the same description.
func buildSystemPrompt(datasets []models.Dataset) string {
	if len(datasets) == 0 {
		return noDatasetPrompt
	}

	var b strings.Builder
	b.WriteString("You are a data analyst assistant with access to the following datasets, queryable with DuckDB SQL:\n\n")

	reference := datasets[0]
	for i, ds := range datasets {
		fmt.Fprintf(&b, "Table %q (%d rows):\n", ds.TableName, ds.RowCount)
		for _, col := range ds.Schema {
			if i > 0 && sameColumn(reference, col) {
				fmt.Fprintf(&b, "  - %s: same as %s.%s\n", col.Name, reference.TableName, col.Name)
				continue
			}
			b.WriteString(describeColumn(col))
		}
		b.WriteString("\n")
	}

	b.WriteString(dialectRules)
	b.WriteString(examplePatterns)
	b.WriteString(chartGuidelines)
	b.WriteString(followupGuidelines)

	return b.String()
}

func sameColumn(reference models.Dataset, col models.DatasetColumn) bool {
	for _, refCol := range reference.Schema {
		if refCol.Name == col.Name && refCol.Type == col.Type {
			return true
		}
	}
	return false
}

func describeColumn(col models.DatasetColumn) string {
	var parts []string
	if len(col.SampleValues) > 0 {
		quoted := make([]string, 0, len(col.SampleValues))
		for _, v := range col.SampleValues {
			quoted = append(quoted, strconv.Quote(v))
		}
		parts = append(parts, "samples: "+strings.Join(quoted, ", "))
	}
	if col.Min != nil && col.Max != nil {
		parts = append(parts, fmt.Sprintf("range: %g–%g", *col.Min, *col.Max))
	}
	if col.UniqueCount != nil {
		parts = append(parts, fmt.Sprintf("%d unique values", *col.UniqueCount))
	}
	if col.NullCount != nil {
		parts = append(parts, fmt.Sprintf("%d nulls", *col.NullCount))
	}

	line := fmt.Sprintf("  - %s: %s", col.Name, col.Type)
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, "; ") + ")"
	}
	return line + "\n"
}

const dialectRules = `
This is DuckDB SQL. Use standard ANSI SQL functions where possible.
Only SELECT statements are permitted: no DDL, no DML, no ATTACH, no COPY,
no PRAGMA, and no multiple statements separated by semicolons.
`

const examplePatterns = `
Example patterns:
  SELECT column, count(*) FROM table1 GROUP BY column ORDER BY count(*) DESC LIMIT 20;
  SELECT date_trunc('month', date_column) AS month, sum(amount) FROM table1 GROUP BY 1 ORDER BY 1;
`

const chartGuidelines = `
When a result set suggests a visualization, call create_chart with a
chart_type suited to the data's shape: "bar" for categorical
comparisons, "line" for a time series, "scatter" for two numeric
columns, "pie" only for a small number of categories summing to a
whole.
`

const followupGuidelines = `
After answering, consider calling suggest_followups with up to three
short follow-up questions (each 80 characters or fewer) that extend
the current analysis.
`
