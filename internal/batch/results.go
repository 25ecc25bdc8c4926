package batch

import (
	"fmt"
	"sort"
	"time"

	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/grouping"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

// Results are the outcome of the last batch run.
type Results struct {
	StartTime time.Time                 `json:"start_time"`
	EndTime   time.Time                 `json:"end_time"`
	Contents  map[string]*RequestResult `json:"contents"`
}

// RequestResult holds the responses of one request id. Responses are sorted by
// send time; Grouped is nil until grouping ran.
type RequestResult struct {
	Responses []model.Exchange `json:"responses"`
	Failures  []model.Failure  `json:"failures,omitempty"`
	Grouped   *grouping.Result `json:"grouped,omitempty"`
}

// NewResults wraps collected response sets.
func NewResults(start, end time.Time, sets map[string]*model.ResponseSet) *Results {
	res := &Results{StartTime: start, EndTime: end, Contents: make(map[string]*RequestResult, len(sets))}
	for id, set := range sets {
		if set == nil {
			continue
		}
		xs := append([]model.Exchange(nil), set.Exchanges...)
		model.SortExchanges(xs)
		res.Contents[id] = &RequestResult{
			Responses: xs,
			Failures:  append([]model.Failure(nil), set.Failures...),
		}
	}
	return res
}

// withRequestID returns a copy of rr whose exchanges carry id.
func (rr *RequestResult) withRequestID(id string) *RequestResult {
	out := &RequestResult{
		Responses: append([]model.Exchange(nil), rr.Responses...),
		Failures:  append([]model.Failure(nil), rr.Failures...),
	}
	for i := range out.Responses {
		out.Responses[i].RequestID = id
	}
	for i := range out.Failures {
		out.Failures[i].RequestID = id
	}
	if rr.Grouped == nil {
		return out
	}
	g := *rr.Grouped
	g.Groups = append([]grouping.Group(nil), rr.Grouped.Groups...)
	for gi := range g.Groups {
		xs := append([]model.Exchange(nil), g.Groups[gi].Responses...)
		for i := range xs {
			xs[i].RequestID = id
		}
		g.Groups[gi].Responses = xs
	}
	out.Grouped = &g
	return out
}

// HasResults reports whether the last run produced anything.
func (b *Batch) HasResults() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasResultsLocked()
}

func (b *Batch) hasResultsLocked() bool {
	return b.results != nil && len(b.results.Contents) > 0
}

// Results returns a snapshot of the current results. The RequestResults it
// holds are shared and must not be modified.
func (b *Batch) Results() *Results {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resultsLocked()
}

func (b *Batch) resultsLocked() *Results {
	if b.results == nil {
		return nil
	}
	cp := *b.results
	cp.Contents = make(map[string]*RequestResult, len(b.results.Contents))
	for k, v := range b.results.Contents {
		cp.Contents[k] = v
	}
	return &cp
}

// Result returns the results of one request.
func (b *Batch) Result(requestID string) (*RequestResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.results == nil {
		return nil, fmt.Errorf("results of batch %s: %w", b.name, model.ErrNotFound)
	}
	rr, ok := b.results.Contents[requestID]
	if !ok {
		return nil, fmt.Errorf("results of request %s: %w", requestID, model.ErrNotFound)
	}
	return rr, nil
}

// OverwriteResults replaces all prior results, deleting their artifacts, and
// groups the new responses.
func (b *Batch) OverwriteResults(res *Results) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearResultsLocked("")
	b.results = nil
	if res != nil {
		b.results = &Results{StartTime: res.StartTime, EndTime: res.EndTime, Contents: make(map[string]*RequestResult, len(res.Contents))}
		for id, rr := range res.Contents {
			b.results.Contents[id] = &RequestResult{Responses: rr.Responses, Failures: rr.Failures}
		}
	}
	b.version++
	return b.regroupLocked(true)
}

// ClearResults drops all results and their artifacts.
func (b *Batch) ClearResults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearResultsLocked("")
	b.version++
}

// Regroup groups request ids that are ungrouped or whose artifacts vanished;
// with force every request id is regrouped.
func (b *Batch) Regroup(force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regroupLocked(force)
}

func (b *Batch) regroupLocked(force bool) error {
	if b.results == nil {
		return nil
	}
	ids := make([]string, 0, len(b.results.Contents))
	for id := range b.results.Contents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return model.LessID(ids[i], ids[j]) })

	var regrouped int
	for _, id := range ids {
		rr := b.results.Contents[id]
		if !force && rr.Grouped != nil && !b.filesMissingLocked(rr) {
			continue
		}
		b.deleteArtifactsLocked(rr)
		next := &RequestResult{Responses: rr.Responses, Failures: rr.Failures}
		if err := b.groupLocked(id, next); err != nil {
			return err
		}
		b.results.Contents[id] = next
		regrouped++
	}
	if regrouped > 0 {
		b.version++
		b.logger.Debug("regrouped results",
			logging.Field{Key: "requests", Value: regrouped},
			logging.Field{Key: "forced", Value: force})
	}
	return nil
}

// groupLocked sets rr.Grouped; rr must not be published yet.
func (b *Batch) groupLocked(id string, rr *RequestResult) error {
	res, err := grouping.Run(rr.Responses, grouping.Options{
		Policy:    b.policy,
		Sink:      b.sink,
		Prefix:    b.name,
		RequestID: id,
	})
	if err != nil {
		return fmt.Errorf("grouping request %s: %w", id, err)
	}
	rr.Grouped = res
	return nil
}

func (b *Batch) filesMissingLocked(rr *RequestResult) bool {
	if b.sink == nil || rr.Grouped == nil {
		return false
	}
	for _, f := range rr.Grouped.Files {
		if !b.sink.Exists(f) {
			return true
		}
	}
	return false
}

func (b *Batch) deleteArtifactsLocked(rr *RequestResult) {
	if rr.Grouped == nil || b.sink == nil || len(rr.Grouped.Files) == 0 {
		return
	}
	if err := b.sink.Delete(rr.Grouped.Files...); err != nil {
		b.logger.Warn("deleting artifacts", logging.Field{Key: "error", Value: err})
	}
}

// clearResultsLocked drops results of requestID, or all results when empty.
func (b *Batch) clearResultsLocked(requestID string) {
	if b.results == nil {
		return
	}
	if requestID == "" {
		for _, rr := range b.results.Contents {
			b.deleteArtifactsLocked(rr)
		}
		b.results = nil
		return
	}
	if rr, ok := b.results.Contents[requestID]; ok {
		b.deleteArtifactsLocked(rr)
		delete(b.results.Contents, requestID)
	}
}

// Policy returns a copy of the comparison policy.
func (b *Batch) Policy() *compare.Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy.Clone()
}

// SetPolicy replaces the comparison policy and regroups all results.
func (b *Batch) SetPolicy(p *compare.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p.Clone()
	b.version++
	return b.regroupLocked(true)
}

// AddIgnoredField ignores field from now on and regroups.
func (b *Batch) AddIgnoredField(field string) error {
	return b.mutatePolicy(func(p *compare.Policy) error { return p.AddIgnored(field) })
}

// RemoveIgnoredField stops ignoring field and regroups.
func (b *Batch) RemoveIgnoredField(field string) error {
	return b.mutatePolicy(func(p *compare.Policy) error { return p.RemoveIgnored(field) })
}

// ResetIgnoredFields restores the default ignore set and regroups.
func (b *Batch) ResetIgnoredFields() error {
	return b.mutatePolicy(func(p *compare.Policy) error {
		p.ResetIgnored()
		return nil
	})
}

// SetComparator binds field to a builtin comparator and regroups.
func (b *Batch) SetComparator(field, name string) error {
	return b.mutatePolicy(func(p *compare.Policy) error { return p.SetComparator(field, name) })
}

func (b *Batch) mutatePolicy(fn func(*compare.Policy) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := fn(b.policy); err != nil {
		return err
	}
	b.version++
	return b.regroupLocked(true)
}

// CompareGroups diffs the representatives of two groups of one request.
func (b *Batch) CompareGroups(requestID string, g1, g2 int) (compare.Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g1 == g2 {
		return compare.Report{}, fmt.Errorf("groups %d and %d are the same: %w", g1, g2, model.ErrInvalidArgument)
	}
	if b.results == nil {
		return compare.Report{}, fmt.Errorf("results of batch %s: %w", b.name, model.ErrNotFound)
	}
	rr, ok := b.results.Contents[requestID]
	if !ok || rr.Grouped == nil {
		return compare.Report{}, fmt.Errorf("grouped results of request %s: %w", requestID, model.ErrNotFound)
	}
	groups := rr.Grouped.Groups
	for _, g := range []int{g1, g2} {
		if g < 0 || g >= len(groups) {
			return compare.Report{}, fmt.Errorf("group %d of request %s (have %d): %w", g, requestID, len(groups), model.ErrNotFound)
		}
	}
	return grouping.CompareGroups(&groups[g1], &groups[g2], b.policy, compare.DefaultChunkLines), nil
}
