package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RequestTemplate is a stored HTTP request that batches refer to by ID.
type RequestTemplate struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Headers   Headers   `json:"headers"`
	Body      Body      `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SameContent reports whether two templates describe the same request.
// ID and CreatedAt are not part of a template's identity.
func (r *RequestTemplate) SameContent(o *RequestTemplate) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Method == o.Method &&
		r.URL == o.URL &&
		r.Body.Equal(o.Body) &&
		r.Headers.Equal(o.Headers)
}

// Clone returns a deep copy.
func (r *RequestTemplate) Clone() *RequestTemplate {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Headers = append(Headers(nil), r.Headers...)
	if r.Body.Form != nil {
		cp.Body.Form = append([]FormField{}, r.Body.Form...)
	}
	return &cp
}

// Header is one header line of a request template.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header mapping. It marshals as a JSON object whose
// key order matches the slice order.
type Headers []Header

// Get returns the value of the first header matching name case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Set replaces the first header matching name or appends a new one.
func (h *Headers) Set(name, value string) {
	for i, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every header matching name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	*h = out
}

// Equal compares two header mappings ignoring order and name case.
func (h Headers) Equal(o Headers) bool {
	if len(h) != len(o) {
		return false
	}
	for _, hdr := range h {
		v, ok := o.Get(hdr.Name)
		if !ok || v != hdr.Value {
			return false
		}
	}
	return true
}

// Map flattens the headers into a map keyed by the original names.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, hdr := range h {
		m[hdr.Name] = hdr.Value
	}
	return m
}

func (h Headers) MarshalJSON() ([]byte, error) {
	return marshalOrderedPairs(len(h), func(i int) (string, string) { return h[i].Name, h[i].Value })
}

// UnmarshalJSON accepts either a JSON object (order preserved) or a list of
// {"name": ..., "value": ...} entries.
func (h *Headers) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*h = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var list []Header
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*h = list
		return nil
	}
	pairs, err := unmarshalOrderedPairs(data)
	if err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	out := make(Headers, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Header{Name: p[0], Value: p[1]})
	}
	*h = out
	return nil
}

// FormField is one field of a structured form body.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Body is either raw text or an ordered form-field mapping. A non-nil Form
// takes precedence over Raw.
type Body struct {
	Raw  string
	Form []FormField
}

// RawBody builds a raw text body.
func RawBody(s string) Body { return Body{Raw: s} }

// IsForm reports whether the body is stored as form fields.
func (b Body) IsForm() bool { return b.Form != nil }

// IsEmpty reports whether the body carries no content.
func (b Body) IsEmpty() bool { return b.Raw == "" && len(b.Form) == 0 }

// String renders the simplified stored representation: raw text as-is, form
// fields as name=value pairs each followed by '&'.
func (b Body) String() string {
	if !b.IsForm() {
		return b.Raw
	}
	var sb strings.Builder
	for _, f := range b.Form {
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(f.Value)
		sb.WriteByte('&')
	}
	return sb.String()
}

func (b Body) Equal(o Body) bool {
	if b.IsForm() != o.IsForm() {
		return false
	}
	if !b.IsForm() {
		return b.Raw == o.Raw
	}
	if len(b.Form) != len(o.Form) {
		return false
	}
	for i := range b.Form {
		if b.Form[i] != o.Form[i] {
			return false
		}
	}
	return true
}

func (b Body) MarshalJSON() ([]byte, error) {
	if !b.IsForm() {
		return json.Marshal(b.Raw)
	}
	return marshalOrderedPairs(len(b.Form), func(i int) (string, string) { return b.Form[i].Name, b.Form[i].Value })
}

// UnmarshalJSON accepts a string (raw body), an object (form fields) or null.
func (b *Body) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*b = Body{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Body{Raw: s}
		return nil
	case data[0] == '{':
		pairs, err := unmarshalOrderedPairs(data)
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		form := make([]FormField, 0, len(pairs))
		for _, p := range pairs {
			form = append(form, FormField{Name: p[0], Value: p[1]})
		}
		*b = Body{Form: form}
		return nil
	default:
		return fmt.Errorf("body: unsupported JSON value %s", string(data))
	}
}

func marshalOrderedPairs(n int, at func(int) (string, string)) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < n; i++ {
		k, v := at(i)
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// unmarshalOrderedPairs reads a flat JSON object keeping key order. Non-string
// scalar values are kept as their JSON text.
func unmarshalOrderedPairs(data []byte) ([][2]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}
	var pairs [][2]string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		pairs = append(pairs, [2]string{key, s})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return pairs, nil
}
