package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type visualizeOutput struct {
	Recommended bool     `json:"recommended"`
	ChartType   string   `json:"chart_type"`
	XAxis       string   `json:"x_axis"`
	YAxis       []string `json:"y_axis"`
	Reasoning   string   `json:"reasoning"`
}

const maxVisualizeSampleRows = 10

// visualize recommends a chart for the result rows. It is advisory: any
// failure yields a "not recommended" visualization.
func (e *Engine) visualize(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	res := s.ExecutionResult
	columns := visibleColumns(res.Columns)
	if res.RowCount < 2 || len(columns) < 2 {
		v := &Visualization{Recommended: false, Reasoning: "Only one row or one column"}
		return Patch{Visualization: &v}, nil
	}

	user := fmt.Sprintf("Columns: %s\nSample data (first rows):\n%s\nTotal rows: %d\nSQL Query: %s\n",
		strings.Join(columns, ", "), formatSampleData(columns, res.Rows), res.RowCount, strings.Join(s.FinalQuery, ";\n"))

	var out visualizeOutput
	n, err := e.reasoner.Structured(ctx, StageVisualize, e.systemPrompt(env, PromptVisualize), user, SchemaVisualize, &out)
	if err != nil {
		v := &Visualization{Recommended: false}
		return Patch{Visualization: &v, Attempts: n, Notes: []string{"visualization unavailable: " + string(KindOf(err))}}, nil
	}

	v := &Visualization{
		Recommended: out.Recommended,
		ChartType:   out.ChartType,
		XAxis:       out.XAxis,
		YAxis:       out.YAxis,
		Reasoning:   out.Reasoning,
	}
	if v.Recommended && !axesExist(v, columns) {
		v = &Visualization{Recommended: false, Reasoning: "Recommended axes are not result columns"}
		return Patch{Visualization: &v, Attempts: n, Notes: []string{"rejected chart axes"}}, nil
	}
	return Patch{Visualization: &v, Attempts: n}, nil
}

func visibleColumns(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != StatementColumn {
			out = append(out, c)
		}
	}
	return out
}

func axesExist(v *Visualization, columns []string) bool {
	if v.ChartType == "" || !slices.Contains(columns, v.XAxis) || len(v.YAxis) == 0 {
		return false
	}
	for _, y := range v.YAxis {
		if !slices.Contains(columns, y) {
			return false
		}
	}
	return true
}

func formatSampleData(columns []string, rows []map[string]any) string {
	if len(rows) == 0 {
		return "(no data)"
	}

	var sb strings.Builder
	for _, row := range rows[:min(maxVisualizeSampleRows, len(rows))] {
		parts := make([]string, 0, len(columns))
		for _, col := range columns {
			parts = append(parts, fmt.Sprintf("%s: %s", col, formatSampleValue(row[col])))
		}
		sb.WriteString("  " + strings.Join(parts, ", ") + "\n")
	}
	return sb.String()
}

func formatSampleValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if len(val) > 50 {
			return `"` + val[:50] + `..."`
		}
		return `"` + val + `"`
	case float64, float32, int, int32, int64, uint, uint32, uint64, bool:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
