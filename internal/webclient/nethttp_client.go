package webclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/racer/internal/logging"
)

// net/http backed implementation of webclient.
type NetHTTPClient struct {
	client *http.Client
	cfg    Config
	logger logging.Logger
}

// NewNetHTTPClient builds a client from cfg. When httpClient is nil a
// dedicated HTTP/1.1 transport is created; otherwise a copy of httpClient is
// used with the redirect policy of cfg applied.
func NewNetHTTPClient(cfg Config, logger logging.Logger, httpClient *http.Client) (WebClient, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	componentLogger := logger.With(logging.Field{Key: "backend", Value: "nethttp"})

	var c http.Client
	if httpClient != nil {
		c = *httpClient
	} else {
		c.Transport = newTransport(cfg)
	}
	if !cfg.AllowRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	// Per-exchange deadlines come from the request context.
	c.Timeout = 0

	if cfg.InsecureSkipVerify {
		componentLogger.Warn("TLS certificate verification disabled")
	}
	componentLogger.Debug("created nethttp webclient",
		logging.Field{Key: "timeout", Value: cfg.Timeout.String()},
		logging.Field{Key: "allow_redirects", Value: cfg.AllowRedirects},
		logging.Field{Key: "sync_last_byte", Value: cfg.SyncLastByte})

	return &NetHTTPClient{client: &c, cfg: cfg, logger: componentLogger}, nil
}

func newTransport(cfg Config) *http.Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bodies are decoded by Do so the stored Accept-Encoding is sent as-is.
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // explicit opt-in
		TLSNextProto:       map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	if cfg.SyncLastByte {
		tr.WriteBufferSize = 1
	}
	return tr
}

// Do performs one exchange. The whole exchange, including reading the body,
// is bounded by cfg.Timeout. With a held-back final byte the timeout starts
// when that byte is released.
func (nhc *NetHTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if nhc.cfg.Timeout > 0 {
		start := time.Now()
		if len(req.Body) > 0 && req.LastByteAt.After(start) {
			start = req.LastByteAt
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, start.Add(nhc.cfg.Timeout))
		defer cancel()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		if !req.LastByteAt.IsZero() {
			bodyReader = newHeldBackReader(ctx, req.Body, req.LastByteAt)
		} else {
			bodyReader = bytes.NewReader(req.Body)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.ContentLength = int64(len(req.Body))
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}

	sentAt := time.Now()
	resp, err := nhc.client.Do(httpReq)
	if err != nil {
		nhc.logger.Debug("http request failed",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("http do: %w", err)
	}
	fetchedAt := time.Now()
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		Request:    req,
		Body:       body,
		Headers:    resp.Header,
		StatusCode: resp.StatusCode,
		SentAt:     sentAt,
		FetchedAt:  fetchedAt,
	}, nil
}

// readBody reads the response body, undoing gzip or deflate content encoding.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r io.ReadCloser
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return raw, nil
		}
	case "deflate":
		r = flate.NewReader(bytes.NewReader(raw))
	default:
		return raw, nil
	}
	defer r.Close()
	decoded, err := io.ReadAll(r)
	if err != nil {
		// Keep what the server sent when it lied about the encoding.
		return raw, nil
	}
	return decoded, nil
}

func (nhc *NetHTTPClient) Close() error {
	nhc.client.CloseIdleConnections()
	return nil
}

// HTTPClient returns the underlying *http.Client
func (nhc *NetHTTPClient) HTTPClient() *http.Client {
	return nhc.client
}
