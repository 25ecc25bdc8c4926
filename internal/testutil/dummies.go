// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyWebClient implements webclient.WebClient.
// By default it returns body "ok:<url>" with status 200.
// Set FailURLs[url] = true to force an error for a specific URL, or Respond
// to take full control of the answer.
type DummyWebClient struct {
	ResponseDelay time.Duration
	FailURLs      map[string]bool
	Respond       func(req *webclient.Request) (*webclient.Response, error)

	mu       sync.Mutex
	Requests []*webclient.Request
	closed   bool
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	sentAt := time.Now()
	if d.ResponseDelay > 0 {
		select {
		case <-time.After(d.ResponseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	if d.FailURLs != nil && d.FailURLs[req.URL] {
		return nil, &errString{"dummy fetch fail for " + req.URL}
	}
	if d.Respond != nil {
		return d.Respond(req)
	}

	return &webclient.Response{
		Request:    req,
		Headers:    http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte("ok:" + req.URL),
		StatusCode: 200,
		SentAt:     sentAt,
		FetchedAt:  time.Now(),
	}, nil
}

func (d *DummyWebClient) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *DummyWebClient) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// RequestCount returns how many requests reached the client.
func (d *DummyWebClient) RequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Requests)
}

// ─── Fixtures ──────────────────────────────────────────────────────────

// Template builds a GET request template for url.
func Template(id, url string) *model.RequestTemplate {
	return &model.RequestTemplate{
		ID:      id,
		Method:  http.MethodGet,
		URL:     url,
		Headers: model.Headers{{Name: "Accept", Value: "*/*"}},
	}
}

// Exchange builds a response exchange for request id with the given status
// and body.
func Exchange(id string, delayMS, status int, body string) model.Exchange {
	return model.Exchange{
		RequestID:    id,
		DelayMS:      delayMS,
		StatusCode:   status,
		Headers:      map[string]string{"Content-Type": "text/plain"},
		Body:         body,
		SendTime:     time.Unix(1700000000, 0).UTC(),
		ResponseTime: time.Unix(1700000000, int64(5*time.Millisecond)).UTC(),
	}
}

// ─── helpers ───────────────────────────────────────────────────────────

type errString struct{ s string }

func (e *errString) Error() string { return e.s }
