package webclient_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/webclient"
)

// ─── Prepare: URL handling ─────────────────────────────────────────────

func TestPrepare_URL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"localhost rewritten", "http://localhost:8000/redeem", "http://127.0.0.1:8000/redeem", false},
		{"https localhost untouched", "https://localhost/x", "https://localhost/x", false},
		{"idna host", "http://bücher.example/path", "http://xn--bcher-kva.example/path", false},
		{"idna host with port", "https://bücher.example:8443/", "https://xn--bcher-kva.example:8443/", false},
		{"ftp rejected", "ftp://example.com/file", "", true},
		{"no host", "http:///nohost", "", true},
		{"garbage", "::not a url", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := webclient.Prepare(&model.RequestTemplate{ID: "1", Method: "GET", URL: tt.url})
			if tt.wantErr {
				if !errors.Is(err, model.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			if req.URL != tt.want {
				t.Errorf("URL = %q, want %q", req.URL, tt.want)
			}
		})
	}
}

func TestPrepare_NilTemplate(t *testing.T) {
	t.Parallel()
	if _, err := webclient.Prepare(nil); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

// ─── Prepare: headers ──────────────────────────────────────────────────

func TestPrepare_Headers(t *testing.T) {
	t.Parallel()
	req, err := webclient.Prepare(&model.RequestTemplate{
		ID:     "1",
		Method: "post",
		URL:    "http://127.0.0.1/",
		Headers: model.Headers{
			{Name: "Host", Value: "shop.test"},
			{Name: "Cookie", Value: "session=a%3Db"},
			{Name: "X-Token", Value: "abc"},
			{Name: "Content-Length", Value: "999"},
		},
		Body: model.RawBody("hello"),
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if req.Method != "POST" {
		t.Errorf("Method = %q", req.Method)
	}
	if req.Host != "shop.test" {
		t.Errorf("Host = %q", req.Host)
	}
	if req.Headers.Get("Host") != "" {
		t.Error("Host must not stay in the header map")
	}
	if got := req.Headers.Get("Cookie"); got != "session=a=b" {
		t.Errorf("Cookie = %q", got)
	}
	if got := req.Headers.Get("X-Token"); got != "abc" {
		t.Errorf("X-Token = %q", got)
	}
	if got := req.Headers.Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, want 5", got)
	}
}

func TestPrepare_EmptyMethodDefaultsToGET(t *testing.T) {
	t.Parallel()
	req, err := webclient.Prepare(&model.RequestTemplate{ID: "1", URL: "http://127.0.0.1/"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if req.Method != "GET" || len(req.Body) != 0 {
		t.Errorf("got method %q body %q", req.Method, req.Body)
	}
}

// ─── Prepare: bodies ───────────────────────────────────────────────────

func TestPrepare_FormURLEncoded(t *testing.T) {
	t.Parallel()
	req, err := webclient.Prepare(&model.RequestTemplate{
		ID:      "1",
		Method:  "POST",
		URL:     "http://127.0.0.1/redeem",
		Headers: model.Headers{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
		Body:    model.Body{Form: []model.FormField{{Name: "code", Value: "SAVE 10"}, {Name: "user", Value: "a&b"}}},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := string(req.Body); got != "code=SAVE+10&user=a%26b" {
		t.Errorf("body = %q", got)
	}
}

func TestPrepare_MultipartFormKeepsBoundary(t *testing.T) {
	t.Parallel()
	req, err := webclient.Prepare(&model.RequestTemplate{
		ID:      "1",
		Method:  "POST",
		URL:     "http://127.0.0.1/upload",
		Headers: model.Headers{{Name: "Content-Type", Value: "multipart/form-data; boundary=XyZ123"}},
		Body:    model.Body{Form: []model.FormField{{Name: "code", Value: "SAVE10"}}},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	body := string(req.Body)
	if !strings.HasPrefix(body, "--XyZ123\r\n") || !strings.HasSuffix(body, "--XyZ123--\r\n") {
		t.Errorf("unexpected multipart framing: %q", body)
	}
	if !strings.Contains(body, `name="code"`) || !strings.Contains(body, "SAVE10") {
		t.Errorf("field missing: %q", body)
	}
	if ct := req.Headers.Get("Content-Type"); ct != "multipart/form-data; boundary=XyZ123" {
		t.Errorf("Content-Type changed: %q", ct)
	}
}

func TestPrepare_MultipartWithoutBoundaryGetsOne(t *testing.T) {
	t.Parallel()
	req, err := webclient.Prepare(&model.RequestTemplate{
		ID:      "1",
		Method:  "POST",
		URL:     "http://127.0.0.1/upload",
		Headers: model.Headers{{Name: "Content-Type", Value: "multipart/form-data"}},
		Body:    model.RawBody("code=SAVE10&"),
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ct := req.Headers.Get("Content-Type")
	_, boundary, ok := strings.Cut(ct, "boundary=")
	if !ok || boundary == "" {
		t.Fatalf("no boundary generated: %q", ct)
	}
	if !strings.Contains(string(req.Body), "--"+boundary) {
		t.Errorf("body does not use generated boundary")
	}
}

func TestPrepare_MultipartRawBodies(t *testing.T) {
	t.Parallel()
	ready := "--b1\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\n1\r\n--b1--\r\n"
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, body string)
	}{
		{
			name: "already framed is sent as-is",
			raw:  ready,
			check: func(t *testing.T, body string) {
				if body != ready {
					t.Errorf("body = %q", body)
				}
			},
		},
		{
			name: "base64 prefix is decoded",
			raw:  "BASE64=" + base64.StdEncoding.EncodeToString([]byte(ready)),
			check: func(t *testing.T, body string) {
				if body != ready {
					t.Errorf("body = %q", body)
				}
			},
		},
		{
			name: "pairs are rebuilt",
			raw:  "a=1&b=2&",
			check: func(t *testing.T, body string) {
				if !strings.HasPrefix(body, "--b1\r\n") || !strings.Contains(body, `name="b"`) {
					t.Errorf("body = %q", body)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := webclient.Prepare(&model.RequestTemplate{
				ID:      "1",
				Method:  "POST",
				URL:     "http://127.0.0.1/",
				Headers: model.Headers{{Name: "Content-Type", Value: "multipart/form-data; boundary=b1"}},
				Body:    model.RawBody(tt.raw),
			})
			if err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			tt.check(t, string(req.Body))
		})
	}
}

func TestPrepare_BadBase64(t *testing.T) {
	t.Parallel()
	_, err := webclient.Prepare(&model.RequestTemplate{
		ID:      "1",
		Method:  "POST",
		URL:     "http://127.0.0.1/",
		Headers: model.Headers{{Name: "Content-Type", Value: "multipart/form-data; boundary=b1"}},
		Body:    model.RawBody("BASE64=%%%"),
	})
	if err == nil {
		t.Fatal("expected error for undecodable body")
	}
}

// ─── DecodeBody ────────────────────────────────────────────────────────

func TestDecodeBody(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		body        []byte
		contentType string
		wantText    string
		wantCharset string
		wantOK      bool
	}{
		{"empty", nil, "text/html", "", "", true},
		{"utf8 declared", []byte("héllo"), "text/plain; charset=utf-8", "héllo", "utf-8", true},
		{"latin1 declared", []byte{'c', 'a', 'f', 0xe9}, "text/plain; charset=iso-8859-1", "café", "windows-1252", true},
		{"utf8 undeclared", []byte("naïve"), "application/json", "naïve", "utf-8", true},
		{"meta charset", []byte(`<html><head><meta charset="iso-8859-15"></head><body>` + "\xa4" + `</body></html>`), "text/html", "€", "iso-8859-15", true},
		{"undecodable", []byte{0x81, 0xfd, 0x00, 0xff}, "application/octet-stream", string([]byte{0x81, 0xfd, 0x00, 0xff}), "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, cs, ok := webclient.DecodeBody(tt.body, tt.contentType)
			if ok != tt.wantOK || cs != tt.wantCharset {
				t.Fatalf("got charset %q ok %v, want %q %v", cs, ok, tt.wantCharset, tt.wantOK)
			}
			if tt.name == "meta charset" {
				if !strings.Contains(text, tt.wantText) {
					t.Errorf("text = %q", text)
				}
				return
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
		})
	}
}

// ─── SleepUntil ────────────────────────────────────────────────────────

func TestSleepUntil(t *testing.T) {
	t.Parallel()
	deadline := time.Now().Add(60 * time.Millisecond)
	if err := webclient.SleepUntil(context.Background(), deadline, webclient.DefaultSpinWindow); err != nil {
		t.Fatalf("SleepUntil: %v", err)
	}
	if late := time.Since(deadline); late < 0 || late > 25*time.Millisecond {
		t.Errorf("woke %v after deadline", late)
	}
}

func TestSleepUntil_PastDeadlineReturnsImmediately(t *testing.T) {
	t.Parallel()
	start := time.Now()
	if err := webclient.SleepUntil(context.Background(), start.Add(-time.Second), webclient.DefaultSpinWindow); err != nil {
		t.Fatalf("SleepUntil: %v", err)
	}
	if time.Since(start) > 5*time.Millisecond {
		t.Error("past deadline should not block")
	}
}

func TestSleepUntil_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := webclient.SleepUntil(ctx, time.Now().Add(5*time.Second), webclient.DefaultSpinWindow)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
