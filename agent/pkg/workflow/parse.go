package workflow

import (
	"fmt"
	"strings"
)

// extractJSON finds the JSON object in a model response. Fenced blocks are
// preferred, then the first balanced object anywhere in the text.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	// Look for JSON in code blocks first (most reliable)
	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				return content
			}
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractJSONObject(response, start)
	}

	return ""
}

// extractJSONObject extracts a complete JSON object starting at the given position,
// properly handling strings that may contain braces.
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

// extractSQLFromCodeBlocks finds SQL in markdown code blocks.
func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}

	return ""
}

// looksLikeSQL checks if text appears to be a read query.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "(SELECT"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL normalizes SQL by stripping code fences, whitespace and trailing semicolons.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	if strings.HasPrefix(sql, "```") {
		if fenced := extractSQLFromCodeBlocks(sql); fenced != "" {
			sql = fenced
		}
	}
	sql = strings.TrimSpace(sql)
	for strings.HasSuffix(sql, ";") {
		sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	}
	return sql
}

// formatValueForLLM formats a single value for display to the LLM.
// Floats are rounded to 2 decimal places to avoid long decimals (like 3.3333333333333335)
// that can confuse the LLM into thinking they're encoded/hex values.
func formatValueForLLM(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		if val == float32(int32(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case nil:
		return "NULL"
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 100 {
			s = s[:97] + "..."
		}
		return s
	}
}

const maxRowsForLLM = 50

// FormatExecutionResult formats an execution result for the answer prompt.
// Only rows actually returned are rendered; at most 50 are shown.
func FormatExecutionResult(r *ExecutionResult) string {
	if r == nil {
		return "The query was not executed."
	}
	switch r.Kind {
	case ResultError:
		return fmt.Sprintf("Error: %s", r.Error)
	case ResultEmpty:
		return "Query returned no results."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(r.Columns, ", "))
	if r.Truncated {
		fmt.Fprintf(&sb, "Rows (first %d only, the query returned more):\n", r.RowCount)
	} else {
		fmt.Fprintf(&sb, "Rows (%d total):\n", r.RowCount)
	}

	shown := min(maxRowsForLLM, len(r.Rows))
	for i := range shown {
		values := make([]string, len(r.Columns))
		for j, col := range r.Columns {
			values[j] = formatValueForLLM(r.Rows[i][col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if r.RowCount > shown {
		fmt.Fprintf(&sb, "... and %d more rows\n", r.RowCount-shown)
	}
	return sb.String()
}

// FormatTableMetadata renders table metadata for prompts. With detail set it
// includes keys, comments and sample values; otherwise only column names and types.
func FormatTableMetadata(t TableMetadata, detail bool) string {
	var sb strings.Builder
	sb.WriteString(t.Name)
	if detail && t.Comment != "" {
		sb.WriteString(" -- " + t.Comment)
	}
	sb.WriteString("\n")
	for _, c := range t.Columns {
		fmt.Fprintf(&sb, "  - %s (%s)", c.Name, c.Type)
		if detail {
			if c.PrimaryKey {
				sb.WriteString(" PRIMARY KEY")
			}
			if c.Comment != "" {
				sb.WriteString(" -- " + c.Comment)
			}
			if len(c.SampleValues) > 0 {
				fmt.Fprintf(&sb, " [values: %s]", strings.Join(c.SampleValues, ", "))
			}
		}
		sb.WriteString("\n")
	}
	if detail {
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&sb, "  JOIN %s.%s = %s.%s\n", t.Name, fk.Column, fk.RefTable, fk.RefColumn)
		}
	}
	return sb.String()
}

// formatSchemaContext renders the whole schema context for generation prompts.
func formatSchemaContext(s WorkflowState) string {
	return formatSchemaTables(s, s.SchemaTables())
}

// formatSchemaTables renders the named tables of the schema context along
// with any example contexts attached to them. Unknown names are skipped.
func formatSchemaTables(s WorkflowState, names []string) string {
	var sb strings.Builder
	seen := map[string]bool{}
	var examples []string
	for _, name := range names {
		tc, ok := s.SchemaContext[name]
		if !ok {
			continue
		}
		sb.WriteString(FormatTableMetadata(tc.Table, true))
		sb.WriteString("\n")
		for _, ex := range tc.Examples {
			if !seen[ex] {
				seen[ex] = true
				examples = append(examples, ex)
			}
		}
	}
	if len(examples) > 0 {
		sb.WriteString("Examples from similar questions:\n\n")
		for _, ex := range examples {
			sb.WriteString(ex)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}
