package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

const (
	metaCurrentBatch = "current_batch"
	metaImmediate    = "immediate"
)

// Load replaces the in-memory state with the persisted one. Without a store
// it does nothing.
func (r *Racer) Load(ctx context.Context) error {
	if r.state == nil {
		return nil
	}
	templates, err := r.state.LoadRequests(ctx)
	if err != nil {
		return fmt.Errorf("load requests: %w", err)
	}
	loaded, err := r.state.LoadBatches(ctx, r.sink, r.logger)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	current, err := r.state.GetMeta(ctx, metaCurrentBatch)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	imm := immediateState{Mode: r.Mode(), Settings: r.ImmediateSettings()}
	raw, err := r.state.GetMeta(ctx, metaImmediate)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &imm); err != nil {
			return fmt.Errorf("immediate settings: %v: %w", err, model.ErrCorruptState)
		}
		if _, err := ParseMode(string(imm.Mode)); err != nil {
			return fmt.Errorf("immediate mode %q: %w", imm.Mode, model.ErrCorruptState)
		}
		if err := imm.Settings.Validate(); err != nil {
			return fmt.Errorf("immediate settings: %v: %w", err, model.ErrCorruptState)
		}
	case !errors.Is(err, model.ErrNotFound):
		return err
	}

	if err := r.requests.Replace(templates); err != nil {
		return err
	}
	batches := make(map[string]*batch.Batch, len(loaded))
	for _, b := range loaded {
		b.MarkClean()
		batches[b.Name()] = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = batches
	r.deleted = make(map[string]struct{})
	r.current = ""
	if _, ok := batches[current]; ok {
		r.current = current
	}
	r.mode = imm.Mode
	r.immediate = imm.Settings
	r.logger.Info("state loaded",
		logging.Field{Key: "requests", Value: len(templates)},
		logging.Field{Key: "batches", Value: len(batches)})
	return nil
}

// Save writes the templates, every changed batch and the settings. Without a
// store it does nothing.
func (r *Racer) Save(ctx context.Context) error {
	if r.state == nil {
		return nil
	}
	if err := r.state.SaveRequests(ctx, r.requests.List()); err != nil {
		return err
	}

	r.mu.Lock()
	batches := make([]*batch.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		batches = append(batches, b)
	}
	deleted := make([]string, 0, len(r.deleted))
	for n := range r.deleted {
		deleted = append(deleted, n)
	}
	current := r.current
	imm := immediateState{Mode: r.mode, Settings: r.immediate}
	r.mu.Unlock()

	for _, n := range deleted {
		if err := r.state.DeleteBatch(ctx, n); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		r.mu.Lock()
		if _, back := r.batches[n]; !back {
			delete(r.deleted, n)
		}
		r.mu.Unlock()
	}
	for _, b := range batches {
		if !b.Dirty() {
			continue
		}
		if err := r.state.SaveBatch(ctx, b); err != nil {
			return err
		}
	}

	if err := r.state.SetMeta(ctx, metaCurrentBatch, current); err != nil {
		return err
	}
	data, err := json.Marshal(imm)
	if err != nil {
		return err
	}
	if err := r.state.SetMeta(ctx, metaImmediate, string(data)); err != nil {
		return err
	}
	r.logger.Debug("state saved", logging.Field{Key: "batches", Value: len(batches)})
	return nil
}

// persistBatch saves a batch after a send. Failures are logged; the results
// stay in memory and are written by the next Save.
func (r *Racer) persistBatch(ctx context.Context, b *batch.Batch) {
	if r.state == nil {
		return
	}
	if err := r.state.SaveBatch(context.WithoutCancel(ctx), b); err != nil {
		r.logger.Warn("failed to save batch",
			logging.Field{Key: "batch", Value: b.Name()},
			logging.Field{Key: "error", Value: err.Error()})
	}
}
