// Package grouping clusters the responses of one request into equivalence
// groups, derives per-request field statistics and builds a display
// representative for each group.
package grouping

import (
	"fmt"
	"sort"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/model"
)

// Group is a set of responses that compare equal to its first member.
type Group struct {
	Responses      []model.Exchange `json:"responses"`
	Representative Representative   `json:"representative"`
	// Differing lists the fields (normal or missing failures) in which this
	// group's first member differs from the first group.
	Differing []string `json:"differing,omitempty"`

	// comparisons against each earlier group, made when the first member
	// was placed.
	comparisons []compare.Comparison
}

// Stats summarises field behaviour across groups.
type Stats struct {
	AlwaysMatch []string `json:"always_match"`
	NeverMatch  []string `json:"never_match"`
	Ignored     []string `json:"ignored"`
}

// Result is the grouping of one request's responses.
type Result struct {
	Groups []Group `json:"groups"`
	Stats  Stats   `json:"stats"`
	// Files are artifact paths written for the representatives.
	Files []string `json:"files,omitempty"`
}

// Options configures a grouping run.
type Options struct {
	Policy *compare.Policy
	// Sink receives HTML bodies of representatives; nil keeps them inline.
	Sink artifacts.Sink
	// Prefix and RequestID name artifacts "<prefix>-req-<id>-group-<i>".
	Prefix    string
	RequestID string
}

// Record flattens an exchange for comparison. Timing and index fields are not
// part of it.
func Record(ex model.Exchange) compare.Record {
	return compare.Record{
		Fields:  map[string]any{"status_code": ex.StatusCode, "body": ex.Body},
		Headers: ex.Headers,
	}
}

// Run groups exchanges with greedy first-fit: each response joins the first
// group whose first member it matches, otherwise it starts a new group. The
// result depends on input order; callers pass responses sorted by send time.
func Run(exchanges []model.Exchange, opts Options) (*Result, error) {
	policy := opts.Policy
	if policy == nil {
		policy = compare.DefaultPolicy()
	}

	var groups []*Group
	for _, ex := range exchanges {
		rec := Record(ex)
		var placed bool
		var cmps []compare.Comparison
		for _, g := range groups {
			cmp := compare.Compare(rec, Record(g.Responses[0]), policy)
			if len(cmp.Failures) == 0 {
				g.Responses = append(g.Responses, ex)
				placed = true
				break
			}
			cmps = append(cmps, cmp)
		}
		if !placed {
			groups = append(groups, &Group{Responses: []model.Exchange{ex}, comparisons: cmps})
		}
	}

	res := &Result{Stats: computeStats(groups, policy)}
	if len(groups) == 0 {
		return res, nil
	}

	for _, g := range groups[1:] {
		g.Differing = g.comparisons[0].Differing()
	}

	sort.SliceStable(groups, func(i, j int) bool {
		fi, fj := failCount(groups[i]), failCount(groups[j])
		if fi != fj {
			return fi < fj
		}
		return len(groups[i].Responses[0].Body) < len(groups[j].Responses[0].Body)
	})

	res.Groups = make([]Group, 0, len(groups))
	for i, g := range groups {
		rep, file, err := buildRepresentative(g.Responses, opts, i)
		if err != nil {
			return nil, fmt.Errorf("group %d of request %s: %w", i, opts.RequestID, err)
		}
		g.Representative = rep
		if file != "" {
			res.Files = append(res.Files, file)
		}
		res.Groups = append(res.Groups, *g)
	}
	return res, nil
}

func failCount(g *Group) int {
	if len(g.comparisons) == 0 {
		return 0
	}
	return len(g.comparisons[0].Failures)
}

func computeStats(groups []*Group, policy *compare.Policy) Stats {
	st := Stats{AlwaysMatch: []string{}, NeverMatch: []string{}, Ignored: []string{}}
	if len(groups) == 0 {
		return st
	}

	var always []string
	if len(groups) == 1 {
		first := Record(groups[0].Responses[0])
		always = compare.Compare(first, first, policy).Matched()
	} else {
		for i, g := range groups[1:] {
			cmp := g.comparisons[0]
			if i == 0 {
				always = cmp.Matched()
				st.NeverMatch = cmp.Failed()
				continue
			}
			always = intersect(always, cmp.Matched())
			st.NeverMatch = intersect(st.NeverMatch, cmp.Failed())
		}
	}

	st.Ignored = append(st.Ignored, policy.IgnoredAmong(always)...)
	for _, f := range always {
		if !policy.IsIgnored(f) {
			st.AlwaysMatch = append(st.AlwaysMatch, f)
		}
	}
	return st
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := []string{}
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
