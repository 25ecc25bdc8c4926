package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raysh454/racer/internal/app"
	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/store"
)

// Server is the HTTP + WebSocket API surface of the racer: request ingestion
// for capture extensions, batch management and job progress.
type Server struct {
	cfg       Config
	racer     *app.Racer
	ownsRacer bool
	state     *store.Store
	artifacts *artifacts.FSStore
	router    chi.Router
	upgrader  websocket.Upgrader
	logger    logging.Logger
}

// NewServer creates a new Server. Unless cfg.Racer is set it opens the state
// database under the storage root and loads the persisted racer state.
func NewServer(cfg Config) (*Server, error) {
	if cfg.AppConfig == nil {
		cfg.AppConfig = app.DefaultConfig()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = cfg.AppConfig.ListenAddr
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("Server")
	}

	// Make sure storage root exists
	storageRoot, err := expandPath(cfg.AppConfig.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("expanding storage root path: %w", err)
	}
	cfg.AppConfig.StorageRoot = storageRoot
	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", storageRoot, err)
	}

	fs, err := artifacts.NewFSStore(filepath.Join(storageRoot, "responses"), cfg.AppConfig.PublicURL+"/responses/")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		racer:     cfg.Racer,
		artifacts: fs,
		router:    chi.NewRouter(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Only allowed Host headers reach the upgrade.
				return true
			},
		},
	}

	if s.racer == nil {
		st, err := store.Open(filepath.Join(storageRoot, "racer.db"), logger)
		if err != nil {
			return nil, fmt.Errorf("opening state database: %w", err)
		}
		s.state = st
		s.racer = app.NewRacer(cfg.AppConfig, logger, app.WithStore(st), app.WithSink(fs))
		s.ownsRacer = true
		if err := s.racer.Load(context.Background()); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("loading state: %w", err)
		}
	}

	s.routes()
	return s, nil
}

// Racer returns the underlying racer for advanced use (tests, CLI).
func (s *Server) Racer() *app.Racer {
	return s.racer
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)
	r.Use(s.hostGuard)
	r.Use(s.autosave)

	// CORS preflight
	r.Options("/*", s.optionsHandler("GET, POST, PATCH, DELETE"))

	// Capture extension API
	r.Get("/", s.handleHello)
	r.Get("/ignore", s.handleIgnore)
	r.Post("/add_request", s.handleAddRequest)
	r.Post("/add_requests", s.handleAddRequests)
	r.Get("/immediate_data", s.handleGetImmediate)
	r.Post("/immediate_data", s.handleSetImmediate)
	r.Get("/immediate_results", s.handleImmediateResults)
	r.Handle("/responses/*", http.StripPrefix("/responses/", s.artifacts.Handler()))

	// Requests
	r.Get("/requests", s.handleListRequests)
	r.Get("/requests/compare", s.handleCompareRequests)
	r.Post("/requests/lower_ids", s.handleLowerIDs)
	r.Get("/requests/{id}", s.handleGetRequest)
	r.Delete("/requests/{id}", s.handleRemoveRequest)

	// Batches
	r.Get("/batches", s.handleListBatches)
	r.Post("/batches", s.handleCreateBatch)
	r.Get("/current", s.handleGetCurrent)
	r.Post("/current", s.handleSetCurrent)
	r.Route("/batches/{name}", func(r chi.Router) {
		r.Get("/", s.handleGetBatch)
		r.Delete("/", s.handleRemoveBatch)
		r.Patch("/settings", s.handleBatchSettings)
		r.Post("/items", s.handleAddItem)
		r.Delete("/items", s.handleRemoveItems)
		r.Post("/rename", s.handleRenameBatch)
		r.Post("/copy", s.handleCopyBatch)
		r.Post("/send", s.handleStartSendJob)
		r.Get("/results", s.handleResults)
		r.Get("/compare", s.handleCompareGroups)
		r.Post("/regroup", s.handleRegroup)
		r.Post("/ignored_fields", s.handleAddIgnoredField)
		r.Delete("/ignored_fields", s.handleResetIgnoredFields)
		r.Delete("/ignored_fields/{field}", s.handleRemoveIgnoredField)
	})

	// Jobs over REST
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Delete("/jobs/{jobID}", s.handleCancelJob)

	// WebSockets for job progress
	r.Get("/ws/batches/{name}/send", s.handleSendWS)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

// hostGuard rejects requests with a foreign Host header (DNS rebinding) and
// state-changing requests that are not JSON. Both answer 404.
func (s *Server) hostGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hosts := s.cfg.AppConfig.AllowedHosts; len(hosts) > 0 && !slices.Contains(hosts, r.Host) {
			s.logger.Warn("rejected host", logging.Field{Key: "host", Value: r.Host})
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodOptions {
			mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mt != "application/json" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// autosave writes the racer state after every state-changing request.
func (s *Server) autosave(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			return
		}
		if err := s.racer.Save(r.Context()); err != nil {
			s.logger.Error("saving state", logging.Field{Key: "error", Value: err.Error()})
		}
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body_bytes", Value: len(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Debug("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// Close shuts down the racer it created and the state database.
func (s *Server) Close() {
	if s.ownsRacer && s.racer != nil {
		if err := s.racer.Close(); err != nil {
			s.logger.Error("closing racer", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	if s.state != nil {
		_ = s.state.Close()
	}
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps error sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, app.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	status := statusFor(err)
	s.logger.Warn(what, logging.Field{Key: "error", Value: err.Error()}, logging.Field{Key: "status", Value: status})
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %v: %w", err, model.ErrInvalidArgument)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0, fmt.Errorf("query parameter %s: %w", key, model.ErrInvalidArgument)
	}
	return v, nil
}

// --- capture extension API ---

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"response": "success"})
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"urls": {}})
}

func (s *Server) handleAddRequest(w http.ResponseWriter, r *http.Request) {
	var body CapturedRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding captured request", err)
		return
	}
	res, err := s.racer.AddRequest(body.template(time.Now().UTC()), true)
	if err != nil {
		s.fail(w, "adding request", err)
		return
	}
	s.logger.Info("added request", logging.Field{Key: "request_id", Value: res.ID}, logging.Field{Key: "duplicate", Value: res.Duplicate})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddRequests(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests *[]CapturedRequest `json:"requests"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding captured requests", err)
		return
	}
	if body.Requests == nil {
		writeError(w, http.StatusBadRequest, "no 'requests' key in JSON body")
		return
	}
	now := time.Now().UTC()
	ts := make([]*model.RequestTemplate, 0, len(*body.Requests))
	for i := range *body.Requests {
		ts = append(ts, (*body.Requests)[i].template(now))
	}
	added, err := s.racer.AddRequests(ts, true)
	if err != nil && len(added) == 0 {
		s.fail(w, "adding requests", err)
		return
	}
	resp := map[string]any{"added": added}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.logger.Info("added requests", logging.Field{Key: "count", Value: len(added)})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetImmediate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ImmediateDataResponse{
		Mode:     s.racer.Mode(),
		Settings: settingsList(s.racer.ImmediateSettings()),
	})
}

func (s *Server) handleSetImmediate(w http.ResponseWriter, r *http.Request) {
	var body ImmediateDataPayload
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding immediate data", err)
		return
	}
	// Validate everything before changing anything.
	var mode app.Mode
	if body.Mode != nil {
		m, err := app.ParseMode(*body.Mode)
		if err != nil {
			s.fail(w, "parsing immediate mode", err)
			return
		}
		mode = m
	}
	var settings *app.ImmediateSettings
	if len(body.Settings) > 0 {
		st, err := parseSettings(body.Settings)
		if err != nil {
			s.fail(w, "parsing immediate settings", err)
			return
		}
		settings = &st
	}
	if settings != nil {
		if err := s.racer.SetImmediateSettings(*settings); err != nil {
			s.fail(w, "setting immediate settings", err)
			return
		}
	}
	if mode != "" {
		if err := s.racer.SetMode(mode); err != nil {
			s.fail(w, "setting immediate mode", err)
			return
		}
	}
	s.handleGetImmediate(w, r)
}

func (s *Server) handleImmediateResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.racer.ImmediateResults()
	if err != nil {
		// Extensions poll this endpoint; no results yet is not an error.
		writeJSON(w, http.StatusOK, map[string]any{"results": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

// --- requests ---

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.racer.ListRequests())
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	t, err := s.racer.GetRequest(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "getting request", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRemoveRequest(w http.ResponseWriter, r *http.Request) {
	touched, err := s.racer.RemoveRequest(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "removing request", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": touched})
}

func (s *Server) handleCompareRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmp, err := s.racer.CompareRequests(q.Get("a"), q.Get("b"))
	if err != nil {
		s.fail(w, "comparing requests", err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleLowerIDs(w http.ResponseWriter, r *http.Request) {
	changed, err := s.racer.LowerIDs()
	if err != nil {
		s.fail(w, "lowering request ids", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

// --- batches ---

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.racer.Summaries())
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var body CreateBatchRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding create batch body", err)
		return
	}
	b, err := s.racer.CreateBatch(body.Name, batch.Settings{
		AllowRedirects:     body.AllowRedirects,
		SyncLastByte:       body.SyncLastByte,
		SendTimeoutSeconds: body.SendTimeout,
	})
	if err != nil {
		s.fail(w, "creating batch", err)
		return
	}
	s.logger.Info("created batch", logging.Field{Key: "batch", Value: body.Name})
	writeJSON(w, http.StatusCreated, b.MiniSummary())
}

func (s *Server) batchFor(w http.ResponseWriter, r *http.Request) (*batch.Batch, bool) {
	b, err := s.racer.Batch(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, "looking up batch", err)
		return nil, false
	}
	return b, true
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batchFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, BatchDetails{Summary: b.MiniSummary(), Items: b.Summary(), Policy: b.Policy()})
}

func (s *Server) handleRemoveBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.racer.RemoveBatch(chi.URLParam(r, "name")); err != nil {
		s.fail(w, "removing batch", err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// editBatch runs fn on the batch named in the URL, refusing batches that are
// being sent.
func (s *Server) editBatch(w http.ResponseWriter, r *http.Request, action string, fn func(*batch.Batch) error) (*batch.Batch, bool) {
	var edited *batch.Batch
	err := s.racer.EditBatch(chi.URLParam(r, "name"), func(b *batch.Batch) error {
		edited = b
		return fn(b)
	})
	if err != nil {
		s.fail(w, action, err)
		return nil, false
	}
	return edited, true
}

func (s *Server) handleBatchSettings(w http.ResponseWriter, r *http.Request) {
	var body BatchSettingsRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding batch settings", err)
		return
	}
	b, ok := s.editBatch(w, r, "updating batch settings", func(b *batch.Batch) error {
		if body.SendTimeout != nil {
			if err := b.SetSendTimeout(*body.SendTimeout); err != nil {
				return err
			}
		}
		if body.AllowRedirects != nil {
			b.SetAllowRedirects(*body.AllowRedirects)
		}
		if body.SyncLastByte != nil {
			b.SetSyncLastByte(*body.SyncLastByte)
		}
		return nil
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.MiniSummary())
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var body AddItemRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding add item body", err)
		return
	}
	if body.Parallel == 0 {
		body.Parallel = 1
	}
	if body.Sequential == 0 {
		body.Sequential = 1
	}
	name := chi.URLParam(r, "name")
	if err := s.racer.AddItem(name, body.RequestID, body.Delay, body.Parallel, body.Sequential, body.Overwrite); err != nil {
		s.fail(w, "adding batch item", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": name, "request_id": body.RequestID, "delay": body.Delay})
}

// handleRemoveItems removes one item when delay is given, every item of
// request_id when only that is given, and all items otherwise.
func (s *Server) handleRemoveItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("request_id")
	removed := 1
	_, ok := s.editBatch(w, r, "removing batch items", func(b *batch.Batch) error {
		switch {
		case id == "":
			removed = b.RemoveAll()
			return nil
		case q.Get("delay") == "":
			var err error
			removed, err = b.RemoveRequest(id)
			return err
		}
		delay, err := queryInt(r, "delay")
		if err != nil {
			return err
		}
		return b.RemoveItem(id, delay)
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleRenameBatch(w http.ResponseWriter, r *http.Request) {
	var body NameRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding rename body", err)
		return
	}
	if err := s.racer.RenameBatch(chi.URLParam(r, "name"), body.Name); err != nil {
		s.fail(w, "renaming batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": body.Name})
}

func (s *Server) handleCopyBatch(w http.ResponseWriter, r *http.Request) {
	var body NameRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding copy body", err)
		return
	}
	cp, err := s.racer.CopyBatch(chi.URLParam(r, "name"), body.Name)
	if err != nil {
		s.fail(w, "copying batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, cp.MiniSummary())
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	b, err := s.racer.Current()
	if err != nil {
		s.fail(w, "getting current batch", err)
		return
	}
	writeJSON(w, http.StatusOK, b.MiniSummary())
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var body NameRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding current body", err)
		return
	}
	if err := s.racer.SetCurrent(body.Name); err != nil {
		s.fail(w, "setting current batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": body.Name})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batchFor(w, r)
	if !ok {
		return
	}
	if id := r.URL.Query().Get("request_id"); id != "" {
		rr, err := b.Result(id)
		if err != nil {
			s.fail(w, "getting request results", err)
			return
		}
		writeJSON(w, http.StatusOK, rr)
		return
	}
	res := b.Results()
	if res == nil {
		writeError(w, http.StatusNotFound, "batch has no results")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompareGroups(w http.ResponseWriter, r *http.Request) {
	g1, err := queryInt(r, "g1")
	if err != nil {
		s.fail(w, "comparing groups", err)
		return
	}
	g2, err := queryInt(r, "g2")
	if err != nil {
		s.fail(w, "comparing groups", err)
		return
	}
	report, err := s.racer.CompareGroups(chi.URLParam(r, "name"), r.URL.Query().Get("request_id"), g1, g2)
	if err != nil {
		s.fail(w, "comparing groups", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRegroup(w http.ResponseWriter, r *http.Request) {
	b, ok := s.editBatch(w, r, "regrouping", func(b *batch.Batch) error { return b.Regroup(true) })
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.MiniSummary())
}

func (s *Server) handleAddIgnoredField(w http.ResponseWriter, r *http.Request) {
	var body FieldRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, "decoding field body", err)
		return
	}
	b, ok := s.editBatch(w, r, "ignoring field", func(b *batch.Batch) error { return b.AddIgnoredField(body.Field) })
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Policy())
}

func (s *Server) handleRemoveIgnoredField(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")
	b, ok := s.editBatch(w, r, "unignoring field", func(b *batch.Batch) error { return b.RemoveIgnoredField(field) })
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Policy())
}

func (s *Server) handleResetIgnoredFields(w http.ResponseWriter, r *http.Request) {
	b, ok := s.editBatch(w, r, "resetting ignored fields", func(b *batch.Batch) error { return b.ResetIgnoredFields() })
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Policy())
}

// --- jobs ---

func (s *Server) handleStartSendJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.racer.StartSendJob(r.Context(), name)
	if err != nil {
		s.fail(w, "starting send job", err)
		return
	}
	s.logger.Info("started send job", logging.Field{Key: "job_id", Value: job.ID}, logging.Field{Key: "batch", Value: name})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.racer.GetJob(jobID)
	if job == nil {
		s.logger.Warn("getting job: not found", logging.Field{Key: "job_id", Value: jobID})
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	s.racer.CancelJob(jobID)
	s.logger.Info("canceled job", logging.Field{Key: "job_id", Value: jobID})
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.racer.ListJobs())
}

// --- websockets ---

func (s *Server) handleSendWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	job, err := s.racer.StartSendJob(r.Context(), name)
	if err != nil {
		s.logger.Warn("starting send job", logging.Field{Key: "error", Value: err.Error()})
		_ = conn.WriteJSON(ErrorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("started send job", logging.Field{Key: "job_id", Value: job.ID}, logging.Field{Key: "batch", Value: name})
	_ = conn.WriteJSON(job)

	for ev := range job.Events {
		if err := conn.WriteJSON(ev); err != nil {
			// Assume client disconnected; cancel job
			s.racer.CancelJob(job.ID)
			return
		}
	}
}

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
