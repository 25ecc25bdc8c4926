package grouping

import (
	"time"

	"github.com/raysh454/racer/internal/compare"
)

// CompareGroups diffs the representatives of two groups. The full body of the
// first member is compared instead of an artifact link, and when only one side
// spans a time range the other side's single timestamp is used as its range.
func CompareGroups(a, b *Group, policy *compare.Policy, chunkLines int) compare.Report {
	ra, rb := representativeRecord(a), representativeRecord(b)
	padRange(ra, rb, "send_time", a.Representative.SendTime, b.Representative.SendTime)
	padRange(ra, rb, "response_time", a.Representative.ResponseTime, b.Representative.ResponseTime)

	cmp := compare.Compare(ra, rb, policy)
	return compare.Report{Comparison: cmp, Diffs: compare.DiffFailures(cmp, chunkLines)}
}

func representativeRecord(g *Group) compare.Record {
	r := g.Representative
	var body any = g.Responses[0].Body
	if r.Kind == KindJSON {
		body = r.Body
	}
	f := map[string]any{
		"status_code":    r.StatusCode,
		"body":           body,
		"content_kind":   string(r.Kind),
		"body_length":    r.BodyLength,
		"headers_length": r.HeadersLength,
	}
	setTime(f, "send_time_min", r.SendTimeMin)
	setTime(f, "send_time_max", r.SendTimeMax)
	setTime(f, "response_time_min", r.ResponseTimeMin)
	setTime(f, "response_time_max", r.ResponseTimeMax)
	return compare.Record{Fields: f, Headers: r.Headers}
}

func setTime(f map[string]any, key string, t *time.Time) {
	if t != nil {
		f[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

func padRange(a, b compare.Record, prefix string, singleA, singleB *time.Time) {
	minKey, maxKey := prefix+"_min", prefix+"_max"
	_, aHas := a.Fields[minKey]
	_, bHas := b.Fields[minKey]
	switch {
	case aHas && !bHas:
		setTime(b.Fields, minKey, singleB)
		setTime(b.Fields, maxKey, singleB)
	case bHas && !aHas:
		setTime(a.Fields, minKey, singleA)
		setTime(a.Fields, maxKey, singleA)
	}
}
