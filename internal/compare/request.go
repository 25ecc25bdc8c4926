package compare

import "github.com/raysh454/racer/internal/model"

// RequestRecord flattens a request template for comparison.
func RequestRecord(r *model.RequestTemplate) Record {
	return Record{
		Fields: map[string]any{
			"url":    r.URL,
			"method": r.Method,
			"body":   r.Body.String(),
		},
		Headers: r.Headers.Map(),
	}
}

// CompareRequests compares two request templates field by field. No field is
// ignored.
func CompareRequests(a, b *model.RequestTemplate) Comparison {
	return Compare(RequestRecord(a), RequestRecord(b), &Policy{})
}
