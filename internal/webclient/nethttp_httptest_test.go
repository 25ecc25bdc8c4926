package webclient_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/testutil"
	"github.com/raysh454/racer/internal/webclient"
)

func newClient(t *testing.T, cfg webclient.Config, hc *http.Client) webclient.WebClient {
	t.Helper()
	client, err := webclient.NewNetHTTPClient(cfg, logging.Nop(), hc)
	if err != nil {
		t.Fatalf("NewNetHTTPClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// ─── Do: real HTTP round-trip via httptest ──────────────────────────────

func TestNetHTTPClient_Do_GET_ReturnsBody(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "hello")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "response body")
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{}, ts.Client())
	resp, err := client.Do(context.Background(), &webclient.Request{
		Method: "GET",
		URL:    ts.URL + "/test",
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "response body" {
		t.Errorf("expected 'response body', got %q", resp.Body)
	}
	if resp.Headers.Get("X-Custom") != "hello" {
		t.Errorf("expected X-Custom header 'hello', got %q", resp.Headers.Get("X-Custom"))
	}
	if resp.SentAt.IsZero() || resp.FetchedAt.Before(resp.SentAt) {
		t.Errorf("bad timestamps: sent=%v fetched=%v", resp.SentAt, resp.FetchedAt)
	}
}

func TestNetHTTPClient_Do_POST_SendsBodyAndHeaders(t *testing.T) {
	t.Parallel()
	var gotMethod, gotBody, gotAuth, gotHost string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		gotHost = r.Host
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{}, ts.Client())
	hdrs := http.Header{}
	hdrs.Set("Authorization", "Bearer test-token")
	resp, err := client.Do(context.Background(), &webclient.Request{
		Method:  "post",
		URL:     ts.URL + "/submit",
		Headers: hdrs,
		Host:    "shop.test",
		Body:    []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if gotMethod != "POST" {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if gotBody != "payload" {
		t.Errorf("expected body 'payload', got %q", gotBody)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected Authorization header forwarded, got %q", gotAuth)
	}
	if gotHost != "shop.test" {
		t.Errorf("expected Host override, got %q", gotHost)
	}
	if resp.StatusCode != 201 {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
}

func TestNetHTTPClient_Do_PropagatesStatusCode(t *testing.T) {
	t.Parallel()
	codes := []int{200, 301, 404, 500}

	for _, code := range codes {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if code == http.StatusMovedPermanently {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(code)
			}))
			defer ts.Close()

			client := newClient(t, webclient.Config{}, ts.Client())
			resp, err := client.Do(context.Background(), &webclient.Request{Method: "GET", URL: ts.URL})
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			if resp.StatusCode != code {
				t.Errorf("expected %d, got %d", code, resp.StatusCode)
			}
		})
	}
}

func TestNetHTTPClient_Do_RedirectPolicy(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "final")
	}))
	t.Cleanup(ts.Close)

	tests := []struct {
		name   string
		allow  bool
		status int
	}{
		{"not followed", false, http.StatusFound},
		{"followed", true, http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := newClient(t, webclient.Config{AllowRedirects: tt.allow}, ts.Client())
			resp, err := client.Do(context.Background(), &webclient.Request{Method: "GET", URL: ts.URL + "/start"})
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestNetHTTPClient_Do_NilRequest_ReturnsError(t *testing.T) {
	t.Parallel()
	client := newClient(t, webclient.Config{}, nil)
	if _, err := client.Do(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestNetHTTPClient_Do_ConnectionRefused_ReturnsError(t *testing.T) {
	t.Parallel()
	client := newClient(t, webclient.Config{Timeout: time.Second}, nil)
	_, err := client.Do(context.Background(), &webclient.Request{
		Method: "GET",
		URL:    "http://127.0.0.1:1", // port 1 is unlikely to be open
	})
	if err == nil {
		t.Fatal("expected error for connection refused")
	}
}

func TestNetHTTPClient_Do_TimeoutBoundsExchange(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{Timeout: 100 * time.Millisecond}, ts.Client())
	start := time.Now()
	_, err := client.Do(context.Background(), &webclient.Request{Method: "GET", URL: ts.URL})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout not honored, took %v", elapsed)
	}
}

func TestNetHTTPClient_Do_ContextCanceled_ReturnsError(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{}, ts.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Do(ctx, &webclient.Request{Method: "GET", URL: ts.URL}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

// ─── Content encoding ──────────────────────────────────────────────────

func TestNetHTTPClient_Do_DecodesGzip(t *testing.T) {
	t.Parallel()
	var gotAcceptEncoding string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("compressed hello"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{}, nil)
	hdrs := http.Header{}
	hdrs.Set("Accept-Encoding", "gzip, deflate")
	resp, err := client.Do(context.Background(), &webclient.Request{Method: "GET", URL: ts.URL, Headers: hdrs})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotAcceptEncoding != "gzip, deflate" {
		t.Errorf("Accept-Encoding not forwarded verbatim: %q", gotAcceptEncoding)
	}
	if string(resp.Body) != "compressed hello" {
		t.Errorf("expected decoded body, got %q", resp.Body)
	}
}

func TestNetHTTPClient_Do_BogusGzipKeepsRawBody(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = io.WriteString(w, "not gzip at all")
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{}, nil)
	resp, err := client.Do(context.Background(), &webclient.Request{Method: "GET", URL: ts.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "not gzip at all" {
		t.Errorf("expected raw body, got %q", resp.Body)
	}
}

// ─── Last-byte synchronization ─────────────────────────────────────────

func TestNetHTTPClient_Do_HoldsBackLastByte(t *testing.T) {
	t.Parallel()
	body := "code=SAVE10&user=alice"
	type arrival struct {
		prefix time.Time
		full   time.Time
		body   string
	}
	got := make(chan arrival, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a arrival
		prefix := make([]byte, len(body)-1)
		if _, err := io.ReadFull(r.Body, prefix); err != nil {
			t.Errorf("read prefix: %v", err)
		}
		a.prefix = time.Now()
		rest, _ := io.ReadAll(r.Body)
		a.full = time.Now()
		a.body = string(prefix) + string(rest)
		got <- a
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{SyncLastByte: true, Timeout: 5 * time.Second}, nil)
	lastByteAt := time.Now().Add(400 * time.Millisecond)
	if _, err := client.Do(context.Background(), &webclient.Request{
		Method:     "POST",
		URL:        ts.URL,
		Body:       []byte(body),
		LastByteAt: lastByteAt,
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	a := <-got
	if a.body != body {
		t.Errorf("body mismatch: %q", a.body)
	}
	if !a.prefix.Before(lastByteAt.Add(-200 * time.Millisecond)) {
		t.Errorf("prefix arrived late: %v before deadline", lastByteAt.Sub(a.prefix))
	}
	if a.full.Before(lastByteAt) {
		t.Errorf("last byte arrived %v before its deadline", lastByteAt.Sub(a.full))
	}
}

func TestNetHTTPClient_Do_TimeoutStartsAfterHeldBackByte(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(t, webclient.Config{SyncLastByte: true, Timeout: 200 * time.Millisecond}, nil)
	lastByteAt := time.Now().Add(600 * time.Millisecond)
	resp, err := client.Do(context.Background(), &webclient.Request{
		Method:     "POST",
		URL:        ts.URL,
		Body:       []byte("code=SAVE10"),
		LastByteAt: lastByteAt,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if time.Now().Before(lastByteAt) {
		t.Errorf("exchange finished before the last byte was released")
	}
}

// ─── Construction ──────────────────────────────────────────────────────

func TestNewNetHTTPClient_InsecureWarns(t *testing.T) {
	t.Parallel()
	logger := &testutil.DummyLogger{}
	client, err := webclient.NewNetHTTPClient(webclient.Config{InsecureSkipVerify: true}, logger, nil)
	if err != nil {
		t.Fatalf("NewNetHTTPClient: %v", err)
	}
	defer client.Close()
	if len(logger.Warns) != 1 || !strings.Contains(logger.Warns[0], "TLS") {
		t.Errorf("expected TLS warning, got %v", logger.Warns)
	}
}

func TestNewNetHTTPClient_DoesNotMutateGivenClient(t *testing.T) {
	t.Parallel()
	hc := &http.Client{Timeout: 3 * time.Second}
	_ = newClient(t, webclient.Config{}, hc)
	if hc.CheckRedirect != nil || hc.Timeout != 3*time.Second {
		t.Error("given http.Client was modified")
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := webclient.DefaultConfig()
	if cfg.Timeout != 20*time.Second || cfg.AllowRedirects || cfg.InsecureSkipVerify || cfg.SyncLastByte {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
