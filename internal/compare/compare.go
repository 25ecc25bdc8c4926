// Package compare classifies field-by-field differences between two responses
// (or two request templates) under a comparison policy, and renders line diffs
// of the fields that differ.
package compare

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Reason explains why a field matched or failed.
type Reason string

const (
	// ReasonNormal: both sides present, compared structurally.
	ReasonNormal Reason = "normal"
	// ReasonCustom: decided by a per-field comparator.
	ReasonCustom Reason = "custom"
	// ReasonIgnore: field is in the ignore set and always matches.
	ReasonIgnore Reason = "ignore"
	// ReasonMissing: field present on one side only.
	ReasonMissing Reason = "missing"
)

// Record is a flattened response or request: top-level fields plus headers.
// Headers share the field namespace, so "Date" is addressed the same way as
// "status_code".
type Record struct {
	Fields  map[string]any
	Headers map[string]string
}

// FieldResult is the outcome for one field.
type FieldResult struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
	Left   any    `json:"left,omitempty"`
	Right  any    `json:"right,omitempty"`
}

// Comparison lists the matching and failing fields of two records.
type Comparison struct {
	Matches  []FieldResult `json:"matches"`
	Failures []FieldResult `json:"failures"`
}

// Equal reports whether no field failed.
func (c Comparison) Equal() bool { return len(c.Failures) == 0 }

// Matched returns the names of all matching fields, ignored ones included.
func (c Comparison) Matched() []string { return names(c.Matches, nil) }

// Failed returns the names of all failing fields.
func (c Comparison) Failed() []string { return names(c.Failures, nil) }

// Differing returns failing fields whose reason is normal or missing. Custom
// comparator failures are left out.
func (c Comparison) Differing() []string {
	return names(c.Failures, func(r Reason) bool { return r == ReasonNormal || r == ReasonMissing })
}

// FailuresFor returns the failures with the given reasons.
func (c Comparison) FailuresFor(reasons ...Reason) []FieldResult {
	var out []FieldResult
	for _, f := range c.Failures {
		for _, r := range reasons {
			if f.Reason == r {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func names(rs []FieldResult, keep func(Reason) bool) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if keep == nil || keep(r.Reason) {
			out = append(out, r.Field)
		}
	}
	return out
}

// Compare compares two records under policy. Top-level fields are taken from a
// (fields only b has are not reported); headers are compared over the union.
// A nil policy behaves like an empty one.
func Compare(a, b Record, policy *Policy) Comparison {
	if policy == nil {
		policy = &Policy{}
	}
	var cmp Comparison

	for _, k := range sortedKeys(a.Fields) {
		va := a.Fields[k]
		vb, okb := b.Fields[k]
		if !okb {
			vb = nil
		}
		compareItem(&cmp, k, va, vb, policy)
	}

	union := make(map[string]struct{}, len(a.Headers)+len(b.Headers))
	for k := range a.Headers {
		union[k] = struct{}{}
	}
	for k := range b.Headers {
		union[k] = struct{}{}
	}
	for _, k := range sortedKeys(union) {
		compareItem(&cmp, k, headerValue(a.Headers, k), headerValue(b.Headers, k), policy)
	}
	return cmp
}

func headerValue(h map[string]string, k string) any {
	v, ok := h[k]
	if !ok {
		return nil
	}
	return v
}

func compareItem(cmp *Comparison, field string, a, b any, policy *Policy) {
	pa, pb := present(a), present(b)
	if !pa && !pb {
		return
	}
	res := FieldResult{Field: field, Left: a, Right: b}
	switch {
	case policy.IsIgnored(field):
		res.Reason = ReasonIgnore
		cmp.Matches = append(cmp.Matches, res)
	case policy.hasComparator(field):
		res.Reason = ReasonCustom
		if policy.comparator(field)(a, b) {
			cmp.Matches = append(cmp.Matches, res)
		} else {
			cmp.Failures = append(cmp.Failures, res)
		}
	case pa && pb:
		res.Reason = ReasonNormal
		if reflect.DeepEqual(a, b) {
			cmp.Matches = append(cmp.Matches, res)
		} else {
			cmp.Failures = append(cmp.Failures, res)
		}
	default:
		res.Reason = ReasonMissing
		cmp.Failures = append(cmp.Failures, res)
	}
}

// present reports whether a field exists. Only a missing key (nil) is absent;
// an empty string is a value.
func present(v any) bool { return v != nil }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Comparator decides whether two values of one field are equivalent. Either
// argument may be nil when the field is absent on that side.
type Comparator func(a, b any) bool

// Builtin comparators addressable by name from a serialized Policy.
var Builtin = map[string]Comparator{
	"always":            func(_, _ any) bool { return true },
	"same_length":       func(a, b any) bool { return len(text(a)) == len(text(b)) },
	"case_insensitive":  func(a, b any) bool { return strings.EqualFold(text(a), text(b)) },
	"same_status_class": sameStatusClass,
}

func sameStatusClass(a, b any) bool {
	ia, oka := a.(int)
	ib, okb := b.(int)
	if !oka || !okb {
		return reflect.DeepEqual(a, b)
	}
	return ia/100 == ib/100
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return fmt.Sprint(v)
}
