package compare

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultChunkLines is the line count above which a field diff is split.
const DefaultChunkLines = 25

// Chunk is a labeled slice of a long diff.
type Chunk struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// FieldDiff is the rendered difference of one failing field.
type FieldDiff struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
	// Lines holds the full diff; it is nil when the diff was split.
	Lines  []string `json:"lines,omitempty"`
	Chunks []Chunk  `json:"chunks,omitempty"`
	// Left and Right carry the raw values for missing fields.
	Left  any `json:"left,omitempty"`
	Right any `json:"right,omitempty"`
}

// Report is the result of comparing two representatives.
type Report struct {
	Comparison Comparison  `json:"comparison"`
	Diffs      []FieldDiff `json:"diffs"`
}

// DiffFailures renders a line diff for every failing field of cmp. Normal and
// custom failures are diffed; missing fields carry their raw values. Diffs
// longer than chunkLines are split into chunks and chunks holding no change
// are dropped. chunkLines <= 0 selects DefaultChunkLines.
func DiffFailures(cmp Comparison, chunkLines int) []FieldDiff {
	if chunkLines <= 0 {
		chunkLines = DefaultChunkLines
	}
	out := make([]FieldDiff, 0, len(cmp.Failures))
	for _, f := range cmp.Failures {
		fd := FieldDiff{Field: f.Field, Reason: f.Reason}
		if f.Reason == ReasonMissing {
			fd.Left, fd.Right = f.Left, f.Right
			out = append(out, fd)
			continue
		}
		lines := DiffLines(Format(f.Left), Format(f.Right))
		if len(lines) > chunkLines {
			fd.Chunks = SplitChunks(f.Field, lines, chunkLines)
		} else {
			fd.Lines = lines
		}
		out = append(out, fd)
	}
	return out
}

// DiffLines returns a line-oriented diff of a and b. Each line is prefixed with
// "  " (common), "- " (only in a) or "+ " (only in b).
func DiffLines(a, b string) []string {
	dmp := diffmatchpatch.New()
	ca, cb, lineArray := dmp.DiffLinesToChars(terminate(a), terminate(b))
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var out []string
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffEqual:
			prefix = "  "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out = append(out, prefix+strings.TrimSuffix(line, "\n"))
		}
	}
	return out
}

func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// SplitChunks cuts lines into chunks of size n named
// "<field>_lines_<from>_to_<to>" and keeps only chunks with changes.
func SplitChunks(field string, lines []string, n int) []Chunk {
	var chunks []Chunk
	for i := 0; i < len(lines); i += n {
		end := min(i+n, len(lines))
		part := lines[i:end]
		if !hasChange(part) {
			continue
		}
		chunks = append(chunks, Chunk{
			Name:  fmt.Sprintf("%s_lines_%d_to_%d", field, i+1, end),
			Lines: append([]string(nil), part...),
		})
	}
	return chunks
}

func hasChange(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "- ") || strings.HasPrefix(l, "+ ") {
			return true
		}
	}
	return false
}

// Format renders a field value for diffing. Maps and slices become sorted,
// indented JSON.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any, map[string]string:
		b, err := json.MarshalIndent(x, "", "    ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
