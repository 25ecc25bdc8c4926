package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/raysh454/racer/internal/app"
	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/model"
)

// CapturedRequest is a request forwarded by a browser or proxy extension.
// Body is either a string or an object of form fields.
type CapturedRequest struct {
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Headers   model.Headers `json:"headers"`
	Body      model.Body    `json:"body"`
	Timestamp any           `json:"timestamp,omitempty"`
}

func (c *CapturedRequest) template(now time.Time) *model.RequestTemplate {
	return &model.RequestTemplate{
		Method:    strings.ToUpper(strings.TrimSpace(c.Method)),
		URL:       strings.TrimSpace(c.URL),
		Headers:   c.Headers,
		Body:      c.Body,
		CreatedAt: now,
	}
}

// AddRequestsPayload wraps several captured requests.
type AddRequestsPayload struct {
	Requests []CapturedRequest `json:"requests"`
}

// ImmediateDataPayload updates the immediate mode and/or its settings.
// Settings are accepted as the list [parallel, sequential, allow_redirects,
// sync_last_byte, send_timeout] or as an object.
type ImmediateDataPayload struct {
	Mode     *string         `json:"mode,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// ImmediateDataResponse reports the immediate state in the list form
// capture extensions expect.
type ImmediateDataResponse struct {
	Mode     app.Mode `json:"mode"`
	Settings []any    `json:"settings"`
}

func settingsList(s app.ImmediateSettings) []any {
	return []any{s.Parallel, s.Sequential, s.AllowRedirects, s.SyncLastByte, s.SendTimeoutSeconds}
}

// parseSettings accepts both settings encodings. Every list element must have
// the right JSON type.
func parseSettings(raw json.RawMessage) (app.ImmediateSettings, error) {
	raw = bytes.TrimSpace(raw)
	var s app.ImmediateSettings
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("settings: %v: %w", err, model.ErrInvalidArgument)
		}
		return s, s.Validate()
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil || len(list) != 5 {
		return s, fmt.Errorf("settings must be [int, int, bool, bool, int]: %w", model.ErrInvalidArgument)
	}
	ints := []*int{&s.Parallel, &s.Sequential, &s.SendTimeoutSeconds}
	for i, idx := range []int{0, 1, 4} {
		if err := json.Unmarshal(list[idx], ints[i]); err != nil {
			return s, fmt.Errorf("settings[%d]: %w", idx, model.ErrInvalidArgument)
		}
	}
	bools := []*bool{&s.AllowRedirects, &s.SyncLastByte}
	for i, idx := range []int{2, 3} {
		if err := json.Unmarshal(list[idx], bools[i]); err != nil {
			return s, fmt.Errorf("settings[%d]: %w", idx, model.ErrInvalidArgument)
		}
	}
	return s, s.Validate()
}

// CreateBatchRequest creates an empty batch.
type CreateBatchRequest struct {
	Name           string `json:"name"`
	AllowRedirects bool   `json:"allow_redirects"`
	SyncLastByte   bool   `json:"sync_last_byte"`
	SendTimeout    int    `json:"send_timeout"`
}

// BatchSettingsRequest changes the transport options of a batch. Absent
// fields stay unchanged.
type BatchSettingsRequest struct {
	AllowRedirects *bool `json:"allow_redirects,omitempty"`
	SyncLastByte   *bool `json:"sync_last_byte,omitempty"`
	SendTimeout    *int  `json:"send_timeout,omitempty"`
}

// AddItemRequest adds a request to a batch.
type AddItemRequest struct {
	RequestID  string `json:"request_id"`
	Delay      int    `json:"delay"`
	Parallel   int    `json:"parallel"`
	Sequential int    `json:"sequential"`
	Overwrite  bool   `json:"overwrite"`
}

// NameRequest carries a batch name for rename, copy and current selection.
type NameRequest struct {
	Name string `json:"name"`
}

// FieldRequest names a response field of the comparison policy.
type FieldRequest struct {
	Field string `json:"field"`
}

// BatchDetails is the full view of one batch.
type BatchDetails struct {
	Summary batch.MiniSummary  `json:"summary"`
	Items   []batch.SummaryRow `json:"items"`
	Policy  *compare.Policy    `json:"policy"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
