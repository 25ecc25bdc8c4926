package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/raysh454/racer/internal/model"
)

// Table counts how often each value of one response property occurs.
type Table struct {
	Title string
	Rows  []Row
	Total int
}

// Row is one distinct value and its number of occurrences.
type Row struct {
	Value int
	Count int
}

type column struct {
	title string
	value func(model.Exchange) int
}

var columns = []column{
	{"status_code", func(e model.Exchange) int { return e.StatusCode }},
	{"body length (bytes)", func(e model.Exchange) int { return len(e.Body) }},
	{"headers (count)", func(e model.Exchange) int { return len(e.Headers) }},
	{"headers (bytes)", headerBytes},
}

func headerBytes(e model.Exchange) int {
	b, err := json.Marshal(e.Headers)
	if err != nil {
		return 0
	}
	return len(b)
}

// Tables builds the status code, body length, header count and header size
// tables of a set of responses.
func Tables(responses []model.Exchange) []Table {
	tables := make([]Table, 0, len(columns))
	for _, c := range columns {
		counts := make(map[int]int)
		for _, e := range responses {
			counts[c.value(e)]++
		}
		t := Table{Title: c.title, Total: len(responses)}
		for v, n := range counts {
			t.Rows = append(t.Rows, Row{Value: v, Count: n})
		}
		sort.Slice(t.Rows, func(i, j int) bool { return t.Rows[i].Value < t.Rows[j].Value })
		tables = append(tables, t)
	}
	return tables
}

// Write renders the table with each line prefixed by indent.
func (t Table) Write(w io.Writer, indent string) {
	titleColor.Fprintf(w, "%s%-22s %8s\n", indent, t.Title, "count")
	for _, r := range t.Rows {
		fmt.Fprintf(w, "%s%-22d %8d\n", indent, r.Value, r.Count)
	}
	dimColor.Fprintf(w, "%s%-22s %8d\n\n", indent, "total", t.Total)
}
