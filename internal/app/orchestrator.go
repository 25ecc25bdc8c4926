package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/requests"
	"github.com/raysh454/racer/internal/sender"
	"github.com/raysh454/racer/internal/store"
)

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("racer is closed")

// ErrBatchBusy is returned when a batch that is being sent would be sent,
// renamed or removed.
var ErrBatchBusy = fmt.Errorf("batch is being sent: %w", model.ErrDuplicateKey)

// Racer owns the request templates, the batches and the immediate-mode
// state, and runs sends.
type Racer struct {
	cfg      *Config
	logger   logging.Logger
	requests *requests.Store
	sender   *sender.Sender
	sink     artifacts.Sink
	state    *store.Store // nil keeps everything in memory

	mu        sync.Mutex
	batches   map[string]*batch.Batch
	deleted   map[string]struct{}
	current   string
	mode      Mode
	immediate ImmediateSettings
	debounce  *time.Timer
	sending   map[string]bool
	closed    bool
	// pendingImmediate holds ids ingested while the immediate batch was
	// being sent; they seed the next immediate batch.
	pendingImmediate []string
	// lastImmediate are the results of the last finished immediate send.
	lastImmediate *batch.Results

	jobsMu     sync.Mutex
	jobs       map[string]*Job
	jobCancels map[string]context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option customizes a Racer.
type Option func(*Racer)

// WithSender replaces the sender built from Config.Sender.
func WithSender(s *sender.Sender) Option {
	return func(r *Racer) { r.sender = s }
}

// WithStore persists state in st. Load restores from it and Save/Close write
// to it.
func WithStore(st *store.Store) Option {
	return func(r *Racer) { r.state = st }
}

// WithSink stores rendered artifacts in sink.
func WithSink(sink artifacts.Sink) Option {
	return func(r *Racer) { r.sink = sink }
}

// NewRacer ties together config, collaborators and logger.
func NewRacer(cfg *Config, logger logging.Logger, opts ...Option) *Racer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Racer{
		cfg:        cfg,
		logger:     logger.With(logging.Field{Key: "component", Value: "racer"}),
		requests:   requests.NewStore(logger),
		batches:    make(map[string]*batch.Batch),
		deleted:    make(map[string]struct{}),
		mode:       cfg.ImmediateMode,
		immediate:  cfg.Immediate,
		sending:    make(map[string]bool),
		jobs:       make(map[string]*Job),
		jobCancels: make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
	if r.mode == "" {
		r.mode = ModeOff
	}
	if r.immediate.Validate() != nil {
		r.immediate = DefaultImmediateSettings()
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sender == nil {
		r.sender = sender.New(cfg.Sender, logger)
	}
	return r
}

// Config returns the configuration the racer was built with.
func (r *Racer) Config() *Config { return r.cfg }

// Close cancels running jobs, waits for in-flight sends and saves the state.
// It is safe to call more than once.
func (r *Racer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.debounce != nil {
			r.debounce.Stop()
		}
		r.mu.Unlock()

		r.cancel()
		r.wg.Wait()
		err = r.Save(context.Background())
	})
	return err
}

// ─── requests ──────────────────────────────────────────────────────────

// AddResult describes what happened to one added request.
type AddResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
	// Batch is the batch the request was added to in curr or on mode.
	Batch string `json:"batch,omitempty"`
	// BatchError explains why the immediate-mode step was skipped. The
	// request itself is stored regardless.
	BatchError string `json:"batch_error,omitempty"`
}

// AddRequest stores t. Requests ingested from capture clients additionally go
// through the immediate-mode step.
func (r *Racer) AddRequest(t *model.RequestTemplate, ingested bool) (AddResult, error) {
	id, dup, err := r.requests.Add(t)
	if err != nil {
		return AddResult{}, err
	}
	res := AddResult{ID: id, Duplicate: dup}
	if !ingested {
		return res, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return res, nil
	}
	var target *batch.Batch
	switch r.mode {
	case ModeCurrent:
		b, ok := r.batches[r.current]
		if !ok {
			res.BatchError = "no current batch"
			return res, nil
		}
		if r.sending[r.current] {
			res.BatchError = fmt.Sprintf("batch %s: %v", r.current, ErrBatchBusy)
			return res, nil
		}
		target = b
	case ModeOn:
		if r.sending[ImmediateBatchName] {
			r.queueImmediateLocked(id)
			res.Batch = ImmediateBatchName
			return res, nil
		}
		target = r.immediateBatchLocked()
	default:
		return res, nil
	}

	s := r.immediate
	if err := target.Add(id, 0, s.Parallel, s.Sequential, true); err != nil {
		res.BatchError = err.Error()
		return res, nil
	}
	res.Batch = target.Name()
	r.logger.Info("request added to batch",
		logging.Field{Key: "request_id", Value: id},
		logging.Field{Key: "batch", Value: res.Batch},
		logging.Field{Key: "mode", Value: string(r.mode)})
	if r.mode == ModeOn {
		r.armDebounceLocked()
	}
	return res, nil
}

// AddRequests adds each template in order. Invalid templates are skipped and
// their errors joined.
func (r *Racer) AddRequests(ts []*model.RequestTemplate, ingested bool) ([]AddResult, error) {
	out := make([]AddResult, 0, len(ts))
	var errs []error
	for i, t := range ts {
		res, err := r.AddRequest(t, ingested)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %d: %w", i, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func (r *Racer) GetRequest(id string) (*model.RequestTemplate, error) {
	return r.requests.Get(id)
}

func (r *Racer) ListRequests() []*model.RequestTemplate {
	return r.requests.List()
}

// Requests exposes the template store to senders and reports.
func (r *Racer) Requests() requests.Getter { return r.requests }

// RemoveRequest deletes a template and every batch item referring to it. It
// is refused while the immediate batch uses the request. The names of the
// batches that lost items are returned.
func (r *Racer) RemoveRequest(id string) ([]string, error) {
	if _, err := r.requests.Get(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if imm, ok := r.batches[ImmediateBatchName]; ok && imm.UsesRequest(id) {
		return nil, fmt.Errorf("request %s is used by the immediate batch: %w", id, model.ErrInvalidArgument)
	}
	var touched []string
	for name, b := range r.batches {
		if !b.UsesRequest(id) {
			continue
		}
		if r.sending[name] {
			return nil, fmt.Errorf("batch %s: %w", name, ErrBatchBusy)
		}
		touched = append(touched, name)
	}
	sort.Strings(touched)
	for _, name := range touched {
		if _, err := r.batches[name].RemoveRequest(id); err != nil {
			return nil, err
		}
	}
	if err := r.requests.Remove(id); err != nil {
		return nil, err
	}
	r.logger.Info("request removed",
		logging.Field{Key: "request_id", Value: id},
		logging.Field{Key: "batches", Value: touched})
	return touched, nil
}

// CompareRequests compares two stored templates field by field.
func (r *Racer) CompareRequests(id1, id2 string) (compare.Comparison, error) {
	return r.requests.Compare(id1, id2)
}

// LowerIDs renumbers the templates to 0..n-1 and rewrites every batch to the
// new ids.
func (r *Racer) LowerIDs() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sending) > 0 {
		return nil, ErrBatchBusy
	}
	changed := r.requests.LowerIDs()
	if len(changed) == 0 {
		return changed, nil
	}
	for _, b := range r.batches {
		b.UpdateIDs(changed)
	}
	return changed, nil
}

// ─── batches ───────────────────────────────────────────────────────────

func validBatchName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty batch name: %w", model.ErrInvalidArgument)
	}
	if name == ImmediateBatchName {
		return fmt.Errorf("batch name %q is reserved: %w", name, model.ErrInvalidArgument)
	}
	return nil
}

// CreateBatch adds an empty batch. The immediate batch name is reserved.
func (r *Racer) CreateBatch(name string, settings batch.Settings) (*batch.Batch, error) {
	if err := validBatchName(name); err != nil {
		return nil, err
	}
	if settings.SendTimeoutSeconds < 0 {
		return nil, fmt.Errorf("send timeout %d: %w", settings.SendTimeoutSeconds, model.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[name]; ok {
		return nil, fmt.Errorf("batch %q: %w", name, model.ErrDuplicateKey)
	}
	b := batch.New(name, settings, r.sink, r.logger)
	r.batches[name] = b
	delete(r.deleted, name)
	r.logger.Info("batch created", logging.Field{Key: "batch", Value: name})
	return b, nil
}

// Batch returns the named batch.
func (r *Racer) Batch(name string) (*batch.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[name]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", name, model.ErrNotFound)
	}
	return b, nil
}

// BatchNames returns the batch names in order.
func (r *Racer) BatchNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.batches))
	for n := range r.batches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Summaries returns the one-line overview of every batch in name order.
func (r *Racer) Summaries() []batch.MiniSummary {
	names := r.BatchNames()
	out := make([]batch.MiniSummary, 0, len(names))
	for _, n := range names {
		if b, err := r.Batch(n); err == nil {
			out = append(out, b.MiniSummary())
		}
	}
	return out
}

// RemoveBatch deletes a batch and its artifacts. Removing the current batch
// leaves no batch current.
func (r *Racer) RemoveBatch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[name]
	if !ok {
		return fmt.Errorf("batch %q: %w", name, model.ErrNotFound)
	}
	if r.sending[name] {
		return fmt.Errorf("batch %q: %w", name, ErrBatchBusy)
	}
	b.ClearResults()
	delete(r.batches, name)
	r.deleted[name] = struct{}{}
	if r.current == name {
		r.current = ""
	}
	r.logger.Info("batch removed", logging.Field{Key: "batch", Value: name})
	return nil
}

// RenameBatch gives a batch a new, unused name.
func (r *Racer) RenameBatch(oldName, newName string) error {
	if err := validBatchName(newName); err != nil {
		return err
	}
	if oldName == ImmediateBatchName {
		return fmt.Errorf("the immediate batch cannot be renamed: %w", model.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[oldName]
	if !ok {
		return fmt.Errorf("batch %q: %w", oldName, model.ErrNotFound)
	}
	if _, taken := r.batches[newName]; taken {
		return fmt.Errorf("batch %q: %w", newName, model.ErrDuplicateKey)
	}
	if r.sending[oldName] {
		return fmt.Errorf("batch %q: %w", oldName, ErrBatchBusy)
	}
	if err := b.SetName(newName); err != nil {
		return err
	}
	delete(r.batches, oldName)
	r.batches[newName] = b
	r.deleted[oldName] = struct{}{}
	delete(r.deleted, newName)
	if r.current == oldName {
		r.current = newName
	}
	return nil
}

// CopyBatch duplicates a batch without its results.
func (r *Racer) CopyBatch(src, dst string) (*batch.Batch, error) {
	if err := validBatchName(dst); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[src]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", src, model.ErrNotFound)
	}
	if _, taken := r.batches[dst]; taken {
		return nil, fmt.Errorf("batch %q: %w", dst, model.ErrDuplicateKey)
	}
	cp := b.Copy(dst)
	r.batches[dst] = cp
	delete(r.deleted, dst)
	return cp, nil
}

// SetCurrent selects the batch ingested requests go to in curr mode.
func (r *Racer) SetCurrent(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[name]; !ok {
		return fmt.Errorf("batch %q: %w", name, model.ErrNotFound)
	}
	r.current = name
	return nil
}

// Current returns the current batch.
func (r *Racer) Current() (*batch.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[r.current]
	if !ok {
		return nil, fmt.Errorf("current batch: %w", model.ErrNotFound)
	}
	return b, nil
}

// AddItem adds (requestID, delayMS) to a batch after checking the request
// exists.
func (r *Racer) AddItem(name, requestID string, delayMS, parallel, sequential int, overwrite bool) error {
	if _, err := r.requests.Get(requestID); err != nil {
		return err
	}
	return r.EditBatch(name, func(b *batch.Batch) error {
		return b.Add(requestID, delayMS, parallel, sequential, overwrite)
	})
}

// EditBatch runs fn on the named batch unless it is being sent, in which case
// ErrBatchBusy is returned. No send of the batch starts while fn runs.
func (r *Racer) EditBatch(name string, fn func(*batch.Batch) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[name]
	if !ok {
		return fmt.Errorf("batch %q: %w", name, model.ErrNotFound)
	}
	if r.sending[name] {
		return fmt.Errorf("batch %q: %w", name, ErrBatchBusy)
	}
	return fn(b)
}

// CompareGroups diffs two response groups of a request in a batch.
func (r *Racer) CompareGroups(name, requestID string, g1, g2 int) (compare.Report, error) {
	b, err := r.Batch(name)
	if err != nil {
		return compare.Report{}, err
	}
	return b.CompareGroups(requestID, g1, g2)
}

// ─── sending ───────────────────────────────────────────────────────────

// acquire marks a batch as being sent. The immediate batch is only sent by the
// racer itself.
func (r *Racer) acquire(name string, allowImmediate bool) (*batch.Batch, error) {
	if name == ImmediateBatchName && !allowImmediate {
		return nil, fmt.Errorf("the immediate batch is sent automatically: %w", model.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	b, ok := r.batches[name]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", name, model.ErrNotFound)
	}
	if b.IsEmpty() {
		return nil, fmt.Errorf("batch %q: %w", name, sender.ErrEmptyBatch)
	}
	if r.sending[name] {
		return nil, fmt.Errorf("batch %q: %w", name, ErrBatchBusy)
	}
	r.sending[name] = true
	r.wg.Add(1)
	return b, nil
}

func (r *Racer) release(name string) {
	r.mu.Lock()
	delete(r.sending, name)
	r.mu.Unlock()
	r.wg.Done()
}

// SendBatch sends the named batch, blocking until every exchange finished,
// and stores the outcome as the batch's results.
func (r *Racer) SendBatch(ctx context.Context, name string) (*sender.Outcome, error) {
	b, err := r.acquire(name, false)
	if err != nil {
		return nil, err
	}
	defer r.release(name)
	out, err := r.sender.Run(ctx, b, r.requests, nil)
	if err != nil {
		return nil, err
	}
	r.persistBatch(ctx, b)
	return out, nil
}
