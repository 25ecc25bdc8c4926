package webclient

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/raysh454/racer/internal/model"
)

const base64Prefix = "BASE64="

// Prepare turns a stored request template into a wire request:
//   - http://localhost is rewritten to http://127.0.0.1 and the host is
//     converted to its ASCII form,
//   - the Cookie header is percent-decoded,
//   - form bodies are rebuilt as urlencoded or multipart data,
//   - a stale Content-Length header is corrected.
func Prepare(t *model.RequestTemplate) (*Request, error) {
	if t == nil {
		return nil, fmt.Errorf("nil template: %w", model.ErrInvalidArgument)
	}
	rawURL, err := normalizeURL(t.URL)
	if err != nil {
		return nil, err
	}

	headers := t.Headers
	var host string
	h := make(http.Header, len(headers))
	for _, hdr := range headers {
		switch {
		case strings.EqualFold(hdr.Name, "Host"):
			host = hdr.Value
			continue
		case strings.EqualFold(hdr.Name, "Cookie"):
			if v, err := url.PathUnescape(hdr.Value); err == nil {
				h.Add(hdr.Name, v)
				continue
			}
		}
		h.Add(hdr.Name, hdr.Value)
	}

	body, contentType, err := encodeBody(t.Body, h.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("request %s body: %w", t.ID, err)
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if cl := h.Get("Content-Length"); cl != "" && cl != strconv.Itoa(len(body)) {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}

	method := strings.ToUpper(strings.TrimSpace(t.Method))
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:  method,
		URL:     rawURL,
		Headers: h,
		Host:    host,
		Body:    body,
	}, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://localhost") {
		raw = "http://127.0.0.1" + strings.TrimPrefix(raw, "http://localhost")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %v: %w", raw, err, model.ErrInvalidArgument)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q: scheme must be http or https: %w", raw, model.ErrInvalidArgument)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q: missing host: %w", raw, model.ErrInvalidArgument)
	}
	hostname := u.Hostname()
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err == nil && ascii != hostname {
		if port := u.Port(); port != "" {
			u.Host = ascii + ":" + port
		} else {
			u.Host = ascii
		}
	}
	return u.String(), nil
}

// encodeBody renders a stored body in its wire form. It returns a replacement
// Content-Type when one had to be generated (multipart without boundary).
func encodeBody(b model.Body, contentType string) ([]byte, string, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)
	mediaType = strings.ToLower(mediaType)
	boundary := params["boundary"]

	if b.IsForm() {
		if mediaType == "multipart/form-data" {
			return buildMultipart(b.Form, boundary)
		}
		return []byte(encodeForm(b.Form)), "", nil
	}

	raw := b.Raw
	if mediaType == "multipart/form-data" {
		if strings.HasPrefix(raw, base64Prefix) {
			data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, base64Prefix))
			if err != nil {
				return nil, "", fmt.Errorf("decode base64 multipart body: %w", err)
			}
			return data, "", nil
		}
		if raw != "" && (boundary == "" || !strings.Contains(raw, "--"+boundary)) {
			return buildMultipart(parsePairs(raw), boundary)
		}
	}
	return []byte(raw), "", nil
}

func encodeForm(fields []model.FormField) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, url.QueryEscape(f.Name)+"="+url.QueryEscape(f.Value))
	}
	return strings.Join(parts, "&")
}

// parsePairs reads "k=v&k2=v2&" bodies into form fields.
func parsePairs(raw string) []model.FormField {
	var fields []model.FormField
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		fields = append(fields, model.FormField{Name: k, Value: v})
	}
	return fields
}

func buildMultipart(fields []model.FormField, boundary string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	var newContentType string
	if boundary != "" {
		if err := w.SetBoundary(boundary); err != nil {
			return nil, "", fmt.Errorf("multipart boundary: %w", err)
		}
	} else {
		newContentType = w.FormDataContentType()
	}
	for _, f := range fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("multipart field %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("multipart close: %w", err)
	}
	return buf.Bytes(), newContentType, nil
}
