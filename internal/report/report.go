// Package report renders batch results, response tables and group diffs for
// the console.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/fatih/color"

	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/grouping"
	"github.com/raysh454/racer/internal/model"
)

var (
	successColor   = color.New(color.FgGreen, color.Bold)
	redirectColor  = color.New(color.FgYellow, color.Bold)
	clientErrColor = color.New(color.FgRed, color.Bold)
	serverErrColor = color.New(color.FgRed, color.Bold, color.BgWhite)
	titleColor     = color.New(color.FgCyan, color.Bold)
	addColor       = color.New(color.FgGreen)
	delColor       = color.New(color.FgRed)
	dimColor       = color.New(color.Faint)
)

// Options selects the optional sections of Results.
type Options struct {
	// Tables adds per-field count tables of the responses.
	Tables bool
	// Groups prints the representative of every group.
	Groups bool
}

// sanitize escapes control characters that could drive the terminal.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(r)
		case r == '\x1b':
			b.WriteString("\\x1b")
		case unicode.IsControl(r):
			fmt.Fprintf(&b, "\\x%02x", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func statusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return successColor
	case code >= 300 && code < 400:
		return redirectColor
	case code >= 400 && code < 500:
		return clientErrColor
	default:
		return serverErrColor
	}
}

// Results writes the results of a batch run: timing, then per request id the
// optional groups and tables followed by the grouping statistics.
func Results(w io.Writer, res *batch.Results, opts Options) {
	if res == nil {
		fmt.Fprintln(w, "\tNo results")
		return
	}
	titleColor.Fprintln(w, "Batch results:")
	fmt.Fprintf(w, "\tSend time: %s\n", res.StartTime.Format("2006-01-02 15:04:05.000000"))
	fmt.Fprintf(w, "\tEnd time:  %s\n", res.EndTime.Format("2006-01-02 15:04:05.000000"))

	ids := make([]string, 0, len(res.Contents))
	for id := range res.Contents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return model.LessID(ids[i], ids[j]) })

	for _, id := range ids {
		rr := res.Contents[id]
		titleColor.Fprintf(w, "\n\tRequest id '%s':\n\n", sanitize(id))
		if opts.Groups && rr.Grouped != nil {
			for i, g := range rr.Grouped.Groups {
				fmt.Fprintf(w, "\t\tGroup %d - %d item(s):\n", i, len(g.Responses))
				Representative(w, g.Representative, "\t\t\t")
			}
			fmt.Fprintln(w)
		}
		if opts.Tables {
			for _, t := range Tables(rr.Responses) {
				t.Write(w, "\t\t")
			}
		}
		if n := len(rr.Failures); n > 0 {
			delColor.Fprintf(w, "\t\tFailed exchanges: %d\n", n)
		}
		if rr.Grouped == nil {
			dimColor.Fprintln(w, "\t\tNot grouped")
			continue
		}
		fmt.Fprintf(w, "\t\tNumber of groups: %d\n", len(rr.Grouped.Groups))
		writeStats(w, rr.Grouped.Stats)
	}
}

func writeStats(w io.Writer, st grouping.Stats) {
	if len(st.Ignored) > 0 {
		fmt.Fprintf(w, "\t\tIgnored:      %s\n", strings.Join(st.Ignored, ", "))
	}
	if len(st.AlwaysMatch) > 0 {
		fmt.Fprintf(w, "\t\tAlways match: %s\n", strings.Join(st.AlwaysMatch, ", "))
	}
	if len(st.NeverMatch) > 0 {
		fmt.Fprintf(w, "\t\tNever match:  %s\n", strings.Join(st.NeverMatch, ", "))
	}
}

// Representative writes one group representative with every line indented.
func Representative(w io.Writer, rep grouping.Representative, indent string) {
	statusColor(rep.StatusCode).Fprintf(w, "%sstatus %d", indent, rep.StatusCode)
	fmt.Fprintf(w, "  x%d  %s body, %d bytes", rep.Count, rep.Kind, rep.BodyLength)
	if rep.Title != "" {
		fmt.Fprintf(w, "  %q", sanitize(rep.Title))
	}
	fmt.Fprintln(w)
	switch body := rep.Body.(type) {
	case nil:
	case string:
		if body != "" {
			dimColor.Fprintf(w, "%s%s\n", indent, sanitize(truncate(body, 200)))
		}
	default:
		if b, err := json.Marshal(body); err == nil {
			dimColor.Fprintf(w, "%s%s\n", indent, sanitize(truncate(string(b), 200)))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Comparison writes a group comparison report as a coloured diff.
func Comparison(w io.Writer, rep compare.Report) {
	if len(rep.Comparison.Failures) == 0 {
		successColor.Fprintln(w, "Groups are equal")
		return
	}
	if m := rep.Comparison.Matched(); len(m) > 0 {
		dimColor.Fprintf(w, "Matching: %s\n", strings.Join(m, ", "))
	}
	for _, d := range rep.Diffs {
		titleColor.Fprintf(w, "\n%s (%s)\n", sanitize(d.Field), d.Reason)
		if d.Reason == compare.ReasonMissing {
			fmt.Fprintf(w, "  left:  %s\n", sanitize(compare.Format(d.Left)))
			fmt.Fprintf(w, "  right: %s\n", sanitize(compare.Format(d.Right)))
			continue
		}
		writeDiffLines(w, d.Lines)
		for _, c := range d.Chunks {
			dimColor.Fprintf(w, "  -- %s --\n", sanitize(c.Name))
			writeDiffLines(w, c.Lines)
		}
	}
}

func writeDiffLines(w io.Writer, lines []string) {
	for _, l := range lines {
		l = sanitize(strings.TrimRight(l, "\n"))
		switch {
		case strings.HasPrefix(l, "+ "):
			addColor.Fprintf(w, "  %s\n", l)
		case strings.HasPrefix(l, "- "):
			delColor.Fprintf(w, "  %s\n", l)
		default:
			fmt.Fprintf(w, "  %s\n", l)
		}
	}
}

// Batches writes the mini summary table of several batches.
func Batches(w io.Writer, rows []batch.MiniSummary) {
	titleColor.Fprintf(w, "%-20s %6s %9s %10s %10s %8s %8s\n", "name", "items", "requests", "redirects", "last_byte", "timeout", "results")
	for _, r := range rows {
		fmt.Fprintf(w, "%-20s %6d %9d %10t %10t %8d %8t\n",
			sanitize(r.Name), r.Items, r.Requests, r.AllowRedirects, r.SyncLastByte, r.SendTimeout, r.HasResults)
	}
}

// Items writes the item table of one batch.
func Items(w io.Writer, rows []batch.SummaryRow) {
	titleColor.Fprintf(w, "%-10s %8s %9s %11s %9s\n", "request", "delay", "parallel", "sequential", "requests")
	total := 0
	for _, r := range rows {
		fmt.Fprintf(w, "%-10s %8d %9d %11d %9d\n", sanitize(r.RequestID), r.DelayMS, r.Parallel, r.Sequential, r.Requests)
		total += r.Requests
	}
	dimColor.Fprintf(w, "%-10s %8s %9s %11s %9d\n", "total", "", "", "", total)
}

// Requests writes a one-line overview of every template.
func Requests(w io.Writer, ts []*model.RequestTemplate) {
	for _, t := range ts {
		fmt.Fprintf(w, "%-6s ", sanitize(t.ID))
		color.New(color.FgMagenta, color.Bold).Fprintf(w, "%-7s ", sanitize(t.Method))
		color.New(color.FgBlue).Fprintln(w, sanitize(t.URL))
	}
}
