// Package batch holds the definition of a race batch: which stored requests to
// send, how many times and with which delay, the comparison policy, and the
// grouped results of the last run.
package batch

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

// Key identifies a batch item. It is comparable and used as a map key.
type Key struct {
	RequestID string `json:"request_id"`
	DelayMS   int    `json:"delay_ms"`
}

func (k Key) String() string { return fmt.Sprintf("(%s, %dms)", k.RequestID, k.DelayMS) }

// Item says how often a key is sent: Parallel concurrent workers, each
// performing Sequential exchanges back to back.
type Item struct {
	Parallel   int `json:"parallel"`
	Sequential int `json:"sequential"`
}

// Settings are the per-batch transport options.
type Settings struct {
	AllowRedirects     bool `json:"allow_redirects"`
	SyncLastByte       bool `json:"sync_last_byte"`
	SendTimeoutSeconds int  `json:"send_timeout"`
}

// DefaultSendTimeoutSeconds bounds one exchange when no timeout is set.
const DefaultSendTimeoutSeconds = 20

// SendTimeout returns the per-exchange timeout.
func (s Settings) SendTimeout() time.Duration {
	if s.SendTimeoutSeconds <= 0 {
		return DefaultSendTimeoutSeconds * time.Second
	}
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

// Batch is safe for concurrent use.
type Batch struct {
	mu       sync.Mutex
	name     string
	settings Settings
	policy   *compare.Policy
	items    map[Key]Item
	// results and the RequestResults it holds are never modified once
	// published; edits install copies.
	results *Results
	// version counts edits; saved is the version last persisted.
	version uint64
	saved   uint64

	sink   artifacts.Sink
	logger logging.Logger
}

// New creates an empty batch using the default comparison policy. sink may be
// nil, in which case HTML representatives stay inline.
func New(name string, settings Settings, sink artifacts.Sink, logger logging.Logger) *Batch {
	if logger == nil {
		logger = logging.Nop()
	}
	if settings.SendTimeoutSeconds <= 0 {
		settings.SendTimeoutSeconds = DefaultSendTimeoutSeconds
	}
	return &Batch{
		name:     name,
		settings: settings,
		policy:   compare.DefaultPolicy(),
		items:    make(map[Key]Item),
		sink:     sink,
		logger:   logger.With(logging.Field{Key: "batch", Value: name}),
		version:  1,
	}
}

func (b *Batch) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// SetName renames the batch. Existing artifacts keep their names.
func (b *Batch) SetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("batch name: %w", model.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
	b.version++
	return nil
}

func (b *Batch) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

func (b *Batch) SetAllowRedirects(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings.AllowRedirects = v
	b.version++
}

func (b *Batch) SetSyncLastByte(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings.SyncLastByte = v
	b.version++
}

func (b *Batch) SetSendTimeout(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("send timeout %d: %w", seconds, model.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings.SendTimeoutSeconds = seconds
	b.version++
	return nil
}

// Dirty reports whether the batch changed since it was last saved.
func (b *Batch) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version != b.saved
}

// MarkClean marks the current version as saved.
func (b *Batch) MarkClean() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = b.version
}

// MarkSaved records that version was persisted. Edits made after that
// version was encoded keep the batch dirty.
func (b *Batch) MarkSaved(version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if version > b.saved {
		b.saved = version
	}
}

// Add inserts (or with overwrite replaces) the item for (requestID, delayMS).
func (b *Batch) Add(requestID string, delayMS, parallel, sequential int, overwrite bool) error {
	switch {
	case strings.TrimSpace(requestID) == "":
		return fmt.Errorf("request id is empty: %w", model.ErrInvalidArgument)
	case delayMS < 0:
		return fmt.Errorf("delay %d must be >= 0: %w", delayMS, model.ErrInvalidArgument)
	case parallel <= 0:
		return fmt.Errorf("parallel %d must be > 0: %w", parallel, model.ErrInvalidArgument)
	case sequential <= 0:
		return fmt.Errorf("sequential %d must be > 0: %w", sequential, model.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	key := Key{RequestID: requestID, DelayMS: delayMS}
	if _, ok := b.items[key]; ok && !overwrite {
		return fmt.Errorf("item %s: %w", key, model.ErrDuplicateKey)
	}
	b.items[key] = Item{Parallel: parallel, Sequential: sequential}
	b.version++
	return nil
}

// Item returns the item stored for key.
func (b *Batch) Item(requestID string, delayMS int) (Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := Key{RequestID: requestID, DelayMS: delayMS}
	it, ok := b.items[key]
	if !ok {
		return Item{}, fmt.Errorf("item %s: %w", key, model.ErrNotFound)
	}
	return it, nil
}

// Get returns all items of one request, keyed by delay.
func (b *Batch) Get(requestID string) map[int]Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]Item)
	for k, it := range b.items {
		if k.RequestID == requestID {
			out[k.DelayMS] = it
		}
	}
	return out
}

// Items returns a copy of all items.
func (b *Batch) Items() map[Key]Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Key]Item, len(b.items))
	for k, v := range b.items {
		out[k] = v
	}
	return out
}

// SortedKeys returns the item keys ordered by request id, then delay.
func (b *Batch) SortedKeys() []Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.items)
}

func sortedKeys(items map[Key]Item) []Key {
	keys := make([]Key, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RequestID != keys[j].RequestID {
			return model.LessID(keys[i].RequestID, keys[j].RequestID)
		}
		return keys[i].DelayMS < keys[j].DelayMS
	})
	return keys
}

// Requests returns the distinct request ids used by the batch, in key order.
func (b *Batch) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	seen := make(map[string]bool)
	for _, k := range sortedKeys(b.items) {
		if !seen[k.RequestID] {
			seen[k.RequestID] = true
			ids = append(ids, k.RequestID)
		}
	}
	return ids
}

// UsesRequest reports whether any item refers to requestID.
func (b *Batch) UsesRequest(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.items {
		if k.RequestID == requestID {
			return true
		}
	}
	return false
}

func (b *Batch) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) == 0
}

// RemoveAll drops every item and all results. It returns the number of
// removed items.
func (b *Batch) RemoveAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.clearResultsLocked("")
	b.items = make(map[Key]Item)
	b.version++
	return n
}

// RemoveRequest drops every item of requestID together with its results.
func (b *Batch) RemoveRequest(requestID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for k := range b.items {
		if k.RequestID == requestID {
			delete(b.items, k)
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("request %s in batch %s: %w", requestID, b.name, model.ErrNotFound)
	}
	b.clearResultsLocked(requestID)
	b.version++
	return n, nil
}

// RemoveItem drops one item and the responses sent for it; the remaining
// responses of the request are regrouped.
func (b *Batch) RemoveItem(requestID string, delayMS int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := Key{RequestID: requestID, DelayMS: delayMS}
	if _, ok := b.items[key]; !ok {
		return fmt.Errorf("item %s: %w", key, model.ErrNotFound)
	}
	delete(b.items, key)
	b.version++

	if b.results == nil {
		return nil
	}
	rr, ok := b.results.Contents[requestID]
	if !ok {
		return nil
	}
	b.deleteArtifactsLocked(rr)
	next := &RequestResult{
		Responses: filterExchanges(rr.Responses, func(e model.Exchange) bool { return e.DelayMS != delayMS }),
		Failures:  filterFailures(rr.Failures, func(f model.Failure) bool { return f.DelayMS != delayMS }),
	}
	if len(next.Responses) == 0 && len(next.Failures) == 0 {
		delete(b.results.Contents, requestID)
		return nil
	}
	b.results.Contents[requestID] = next
	return b.groupLocked(requestID, next)
}

// UpdateIDs rewrites request ids in items and results. Ids not present are
// ignored; without any overlap nothing changes.
func (b *Batch) UpdateIDs(oldToNew map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var overlap bool
	for k := range b.items {
		if _, ok := oldToNew[k.RequestID]; ok {
			overlap = true
			break
		}
	}
	if !overlap {
		return
	}

	items := make(map[Key]Item, len(b.items))
	for k, it := range b.items {
		if nid, ok := oldToNew[k.RequestID]; ok {
			k.RequestID = nid
		}
		items[k] = it
	}
	b.items = items

	if b.results != nil {
		contents := make(map[string]*RequestResult, len(b.results.Contents))
		for id, rr := range b.results.Contents {
			nid, ok := oldToNew[id]
			if !ok {
				nid = id
			}
			contents[nid] = rr.withRequestID(nid)
		}
		b.results = &Results{StartTime: b.results.StartTime, EndTime: b.results.EndTime, Contents: contents}
	}
	b.version++
}

// Summary lists the items in key order.
func (b *Batch) Summary() []SummaryRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := make([]SummaryRow, 0, len(b.items))
	for _, k := range sortedKeys(b.items) {
		it := b.items[k]
		rows = append(rows, SummaryRow{Key: k, Item: it, Requests: it.Parallel * it.Sequential})
	}
	return rows
}

// SummaryRow is one line of Summary.
type SummaryRow struct {
	Key
	Item
	Requests int `json:"requests"`
}

// MiniSummary is the one-line overview of a batch.
type MiniSummary struct {
	Name           string `json:"name"`
	Items          int    `json:"items"`
	Requests       int    `json:"requests"`
	AllowRedirects bool   `json:"allow_redirects"`
	SyncLastByte   bool   `json:"sync_last_byte"`
	SendTimeout    int    `json:"send_timeout"`
	HasResults     bool   `json:"has_results"`
}

func (b *Batch) MiniSummary() MiniSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := MiniSummary{
		Name:           b.name,
		Items:          len(b.items),
		AllowRedirects: b.settings.AllowRedirects,
		SyncLastByte:   b.settings.SyncLastByte,
		SendTimeout:    b.settings.SendTimeoutSeconds,
		HasResults:     b.hasResultsLocked(),
	}
	for _, it := range b.items {
		ms.Requests += it.Parallel * it.Sequential
	}
	return ms
}

// Copy returns a new batch with the same items, settings and policy but no
// results.
func (b *Batch) Copy(name string) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := New(name, b.settings, b.sink, b.logger)
	cp.policy = b.policy.Clone()
	for k, v := range b.items {
		cp.items[k] = v
	}
	return cp
}

func filterExchanges(xs []model.Exchange, keep func(model.Exchange) bool) []model.Exchange {
	out := xs[:0:0]
	for _, x := range xs {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

func filterFailures(fs []model.Failure, keep func(model.Failure) bool) []model.Failure {
	var out []model.Failure
	for _, f := range fs {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}
