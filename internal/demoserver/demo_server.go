// Package demoserver is a deliberately racy voucher shop used as a target
// for race condition tests.
package demoserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raysh454/racer/internal/logging"
)

// DemoServer serves the voucher redeem endpoints.
type DemoServer struct {
	cfg    Config
	db     *voucherDB
	router chi.Router
	logger logging.Logger
	index  *template.Template
}

// NewDemoServer opens the voucher database and performs an initial reset.
func NewDemoServer(cfg Config, logger logging.Logger) (*DemoServer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	db, err := openVoucherDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.reset(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initial reset: %w", err)
	}

	s := &DemoServer{
		cfg:    cfg,
		db:     db,
		router: chi.NewRouter(),
		logger: logger.With(logging.Field{Key: "component", Value: "demoserver"}),
		index:  template.Must(template.New("index").Parse(indexHTML)),
	}

	s.router.Get("/", s.indexHandler)
	s.router.Get("/vouchers", s.stateHandler)
	s.router.Post("/reset", s.resetHandler)
	s.router.Post("/post-some-data/", s.postDataHandler)
	s.router.Post("/redeem/{safety}/{code}", s.redeemHandler(false))
	s.router.Post("/redeem_multi/{safety}/{code}", s.redeemHandler(true))
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *DemoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured port until ctx is canceled.
func (s *DemoServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("demo server starting", logging.Field{Key: "addr", Value: srv.Addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the voucher database.
func (s *DemoServer) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().Format("2006-01-02 15:04:05.000000")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// indexHandler resets the vouchers so every page load starts fresh.
func (s *DemoServer) indexHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.reset(r.Context()); err != nil {
		s.logger.Error("reset", logging.Field{Key: "error", Value: err.Error()})
	}
	st, err := s.db.state(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = s.index.Execute(w, st)
}

func (s *DemoServer) stateHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.state(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *DemoServer) resetHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.reset(r.Context()); err != nil {
		s.logger.Error("reset", logging.Field{Key: "error", Value: err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"time": now()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"time": now()})
}

func (s *DemoServer) postDataHandler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"Error": "No JSON embedded!"})
		return
	}
	if _, ok := body["data"]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"Error": "No 'data' key in JSON body!"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"time": now()})
}

func (s *DemoServer) redeemHandler(multi bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts := now()
		safety, ok := parseSafety(chi.URLParam(r, "safety"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		code := chi.URLParam(r, "code")

		count, err := s.db.redeem(r.Context(), code, multi, safety)
		switch {
		case errors.Is(err, errNoVoucher):
			writeJSON(w, http.StatusNotFound, map[string]any{"count": 0, "time": ts})
		case err != nil:
			s.logger.Error("redeem", logging.Field{Key: "code", Value: code}, logging.Field{Key: "error", Value: err.Error()})
			writeJSON(w, http.StatusInternalServerError, map[string]any{"time": ts})
		default:
			s.logger.Debug("redeemed",
				logging.Field{Key: "code", Value: code},
				logging.Field{Key: "safety", Value: string(safety)},
				logging.Field{Key: "count", Value: count})
			writeJSON(w, http.StatusOK, map[string]any{"count": count, "time": ts})
		}
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Voucher Shop</title>
    <style>
        body { font-family: system-ui, -apple-system, sans-serif; max-width: 900px; margin: 0 auto; padding: 20px; background: #f5f5f5; }
        h1 { color: #333; border-bottom: 2px solid #007bff; padding-bottom: 10px; }
        .card { background: white; border-radius: 8px; padding: 20px; margin: 15px 0; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        button { padding: 8px 16px; border: none; border-radius: 4px; cursor: pointer; margin-right: 8px; }
        .secure { background: #28a745; color: white; }
        .insecure { background: #ffc107; }
        .very_insecure { background: #dc3545; color: white; }
        #status { margin-top: 10px; font-family: monospace; }
    </style>
</head>
<body>
    <h1>Voucher Shop</h1>
    <div class="card">
        <h2>Single-use vouchers</h2>
        {{range .Single}}
        <p><strong>{{.}}</strong>
            <button class="secure" onclick="redeem('redeem', 'secure', '{{.}}')">secure</button>
            <button class="insecure" onclick="redeem('redeem', 'insecure', '{{.}}')">insecure</button>
            <button class="very_insecure" onclick="redeem('redeem', 'very_insecure', '{{.}}')">very insecure</button>
        </p>
        {{end}}
    </div>
    <div class="card">
        <h2>Multi-use vouchers</h2>
        {{range $code, $count := .Multi}}
        <p><strong>{{$code}}</strong> ({{$count}} left)
            <button class="secure" onclick="redeem('redeem_multi', 'secure', '{{$code}}')">secure</button>
            <button class="insecure" onclick="redeem('redeem_multi', 'insecure', '{{$code}}')">insecure</button>
            <button class="very_insecure" onclick="redeem('redeem_multi', 'very_insecure', '{{$code}}')">very insecure</button>
        </p>
        {{end}}
    </div>
    <div id="status"></div>
    <script>
        function redeem(kind, safety, code) {
            fetch('/' + kind + '/' + safety + '/' + encodeURIComponent(code), {method: 'POST'})
            .then(r => r.json().then(data => ({status: r.status, data: data})))
            .then(res => {
                document.getElementById('status').textContent = res.status + ' ' + JSON.stringify(res.data);
            });
        }
    </script>
</body>
</html>`
