// Package sender dispatches a batch: it schedules one worker per parallel
// slot against a shared fire instant, runs the exchanges and collects the
// outcome per request id.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/requests"
	"github.com/raysh454/racer/internal/webclient"
)

// ErrEmptyBatch is returned when a batch without items is sent.
var ErrEmptyBatch = fmt.Errorf("batch is empty: %w", model.ErrInvalidArgument)

// ClientFactory builds the web client used for one batch run.
type ClientFactory func(cfg webclient.Config, logger logging.Logger) (webclient.WebClient, error)

// ProgressCallback is invoked after every finished exchange, successful or
// not, with the number done so far and the total planned.
type ProgressCallback func(done, total int)

// Outcome is everything one run produced.
type Outcome struct {
	StartTime time.Time
	EndTime   time.Time
	Contents  map[string]*model.ResponseSet
}

// Results converts the outcome into batch results.
func (o *Outcome) Results() *batch.Results {
	return batch.NewResults(o.StartTime, o.EndTime, o.Contents)
}

// Sender runs batches.
type Sender struct {
	cfg       Config
	logger    logging.Logger
	newClient ClientFactory
	shuffle   func(n int, swap func(i, j int))
	now       func() time.Time
}

// Option configures a Sender.
type Option func(*Sender)

// WithClientFactory replaces the net/http backed client.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Sender) { s.newClient = f }
}

// WithShuffle replaces the worker start-order shuffle.
func WithShuffle(f func(n int, swap func(i, j int))) Option {
	return func(s *Sender) { s.shuffle = f }
}

func New(cfg Config, logger logging.Logger, opts ...Option) *Sender {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Sender{
		cfg:    cfg.withDefaults(),
		logger: logger.With(logging.Field{Key: "component", Value: "sender"}),
		newClient: func(cfg webclient.Config, logger logging.Logger) (webclient.WebClient, error) {
			return webclient.NewNetHTTPClient(cfg, logger, nil)
		},
		shuffle: rand.Shuffle,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Sender) Config() Config { return s.cfg }

// job is one worker: a parallel slot of a batch item.
type job struct {
	key           batch.Key
	parallelIndex int
	sequential    int
	req           *webclient.Request
}

// Send runs every item of b and returns the collected outcome. The batch
// itself is not modified. Exchange failures never fail the run; they are
// reported as markers in the outcome.
func (s *Sender) Send(ctx context.Context, b *batch.Batch, templates requests.Getter) (*Outcome, error) {
	return s.SendWithProgress(ctx, b, templates, nil)
}

// SendWithProgress is Send with a progress callback. The callback is called
// from worker goroutines and must be safe for concurrent use.
func (s *Sender) SendWithProgress(ctx context.Context, b *batch.Batch, templates requests.Getter, progress ProgressCallback) (*Outcome, error) {
	if b == nil || b.IsEmpty() {
		return nil, ErrEmptyBatch
	}
	settings := b.Settings()
	jobs, total, err := s.plan(b, templates)
	if err != nil {
		return nil, err
	}

	client, err := s.newClient(webclient.Config{
		Timeout:            settings.SendTimeout(),
		AllowRedirects:     settings.AllowRedirects,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		SyncLastByte:       settings.SyncLastByte,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create web client: %w", err)
	}
	defer client.Close()

	start := s.now()
	fire := start.Add(s.cfg.FireLead)
	s.logger.Info("dispatching batch",
		logging.Field{Key: "batch", Value: b.Name()},
		logging.Field{Key: "workers", Value: len(jobs)},
		logging.Field{Key: "exchanges", Value: total},
		logging.Field{Key: "fire", Value: fire.Format(time.RFC3339Nano)})

	s.shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })

	var done atomic.Int64
	onExchange := func() {
		if progress != nil {
			progress(int(done.Add(1)), total)
		}
	}

	// Workers write only to their own slot.
	slots := make([]workerOutput, len(jobs))
	// Exchange failures are folded into the slots; only cancellation of the
	// run surfaces as a group error.
	g, gctx := errgroup.WithContext(ctx)
	for i := range jobs {
		i := i
		g.Go(func() error {
			slots[i] = s.runWorker(gctx, client, jobs[i], fire, settings.SyncLastByte, onExchange)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("batch interrupted",
			logging.Field{Key: "batch", Value: b.Name()},
			logging.Field{Key: "error", Value: err.Error()})
	}

	out := &Outcome{
		StartTime: start,
		EndTime:   s.now(),
		Contents:  collect(slots),
	}
	failures := 0
	for _, set := range out.Contents {
		failures += len(set.Failures)
	}
	s.logger.Info("batch sent",
		logging.Field{Key: "batch", Value: b.Name()},
		logging.Field{Key: "duration", Value: out.EndTime.Sub(out.StartTime).String()},
		logging.Field{Key: "failures", Value: failures})
	return out, nil
}

// Run sends b and stores the outcome as its new results.
func (s *Sender) Run(ctx context.Context, b *batch.Batch, templates requests.Getter, progress ProgressCallback) (*Outcome, error) {
	out, err := s.SendWithProgress(ctx, b, templates, progress)
	if err != nil {
		return nil, err
	}
	if err := b.OverwriteResults(out.Results()); err != nil {
		return out, fmt.Errorf("store results: %w", err)
	}
	return out, nil
}

// plan prepares one request per template and expands items into jobs.
func (s *Sender) plan(b *batch.Batch, templates requests.Getter) ([]job, int, error) {
	if templates == nil {
		return nil, 0, errors.New("no request source")
	}
	items := b.Items()
	prepared := make(map[string]*webclient.Request)
	var jobs []job
	total := 0
	for _, key := range b.SortedKeys() {
		req, ok := prepared[key.RequestID]
		if !ok {
			t, err := templates.Get(key.RequestID)
			if err != nil {
				return nil, 0, fmt.Errorf("batch %s: %w", b.Name(), err)
			}
			req, err = webclient.Prepare(t)
			if err != nil {
				return nil, 0, fmt.Errorf("prepare request %s: %w", key.RequestID, err)
			}
			prepared[key.RequestID] = req
		}
		item := items[key]
		for p := 0; p < item.Parallel; p++ {
			jobs = append(jobs, job{key: key, parallelIndex: p, sequential: item.Sequential, req: req})
		}
		total += item.Parallel * item.Sequential
	}
	return jobs, total, nil
}
