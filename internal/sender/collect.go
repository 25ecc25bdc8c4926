package sender

import (
	"sort"

	"github.com/raysh454/racer/internal/model"
)

// collect merges worker outputs by request id. Exchanges are ordered by send
// time and failures by position in the batch.
func collect(outputs []workerOutput) map[string]*model.ResponseSet {
	sets := make(map[string]*model.ResponseSet)
	get := func(id string) *model.ResponseSet {
		set, ok := sets[id]
		if !ok {
			set = &model.ResponseSet{}
			sets[id] = set
		}
		return set
	}
	for _, o := range outputs {
		for _, ex := range o.exchanges {
			set := get(ex.RequestID)
			set.Exchanges = append(set.Exchanges, ex)
		}
		for _, f := range o.failures {
			set := get(f.RequestID)
			set.Failures = append(set.Failures, f)
		}
	}
	for _, set := range sets {
		model.SortExchanges(set.Exchanges)
		sort.SliceStable(set.Failures, func(i, j int) bool {
			a, b := set.Failures[i], set.Failures[j]
			if a.DelayMS != b.DelayMS {
				return a.DelayMS < b.DelayMS
			}
			if a.ParallelIndex != b.ParallelIndex {
				return a.ParallelIndex < b.ParallelIndex
			}
			return a.SendIndex < b.SendIndex
		})
	}
	return sets
}
