package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

// ImmediateBatchName is the batch ingested requests go to in ModeOn.
const ImmediateBatchName = "Imm"

// MaxImmediateExchanges caps parallel × sequential for immediate sends.
const MaxImmediateExchanges = 1000

// Mode decides what happens with requests arriving over the REST ingestion
// endpoints.
type Mode string

const (
	// ModeOff only stores the request.
	ModeOff Mode = "off"
	// ModeCurrent also adds it to the current batch.
	ModeCurrent Mode = "curr"
	// ModeOn adds it to the immediate batch, which is sent once requests stop
	// arriving.
	ModeOn Mode = "on"
)

// ParseMode accepts off, curr and on in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeCurrent, ModeOn:
		return m, nil
	}
	return "", fmt.Errorf("immediate mode %q: want off, curr or on: %w", s, model.ErrInvalidArgument)
}

// ImmediateSettings are applied to requests added in ModeCurrent or ModeOn.
// The transport options only apply to a freshly created immediate batch.
type ImmediateSettings struct {
	Parallel           int  `json:"parallel"`
	Sequential         int  `json:"sequential"`
	AllowRedirects     bool `json:"allow_redirects"`
	SyncLastByte       bool `json:"sync_last_byte"`
	SendTimeoutSeconds int  `json:"send_timeout"`
}

func DefaultImmediateSettings() ImmediateSettings {
	return ImmediateSettings{Parallel: 1, Sequential: 1, SendTimeoutSeconds: batch.DefaultSendTimeoutSeconds}
}

// Validate checks the duplication amounts and timeout.
func (s ImmediateSettings) Validate() error {
	switch {
	case s.Parallel <= 0:
		return fmt.Errorf("parallel must be positive, got %d: %w", s.Parallel, model.ErrInvalidArgument)
	case s.Sequential <= 0:
		return fmt.Errorf("sequential must be positive, got %d: %w", s.Sequential, model.ErrInvalidArgument)
	case s.SendTimeoutSeconds < 1:
		return fmt.Errorf("send timeout must be at least 1s, got %d: %w", s.SendTimeoutSeconds, model.ErrInvalidArgument)
	case s.Parallel*s.Sequential > MaxImmediateExchanges:
		return fmt.Errorf("%d exchanges exceed the limit of %d: %w", s.Parallel*s.Sequential, MaxImmediateExchanges, model.ErrInvalidArgument)
	}
	return nil
}

func (s ImmediateSettings) batchSettings() batch.Settings {
	return batch.Settings{
		AllowRedirects:     s.AllowRedirects,
		SyncLastByte:       s.SyncLastByte,
		SendTimeoutSeconds: s.SendTimeoutSeconds,
	}
}

// immediateState is the persisted form of the immediate-mode settings.
type immediateState struct {
	Mode     Mode              `json:"mode"`
	Settings ImmediateSettings `json:"settings"`
}

// Mode returns the immediate mode.
func (r *Racer) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode switches the immediate mode. Leaving ModeOn cancels a pending
// immediate send.
func (r *Racer) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == m {
		return nil
	}
	r.mode = m
	if m != ModeOn {
		if r.debounce != nil {
			r.debounce.Stop()
		}
		r.pendingImmediate = nil
	}
	r.logger.Info("immediate mode changed", logging.Field{Key: "mode", Value: string(m)})
	return nil
}

func (r *Racer) ImmediateSettings() ImmediateSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.immediate
}

// SetImmediateSettings validates and replaces the immediate settings.
func (r *Racer) SetImmediateSettings(s ImmediateSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immediate = s
	return nil
}

// ImmediateResults returns the results of the last immediate send. They stay
// available after the next ingested request replaced the immediate batch.
func (r *Racer) ImmediateResults() (*batch.Results, error) {
	r.mu.Lock()
	b, ok := r.batches[ImmediateBatchName]
	last := r.lastImmediate
	r.mu.Unlock()
	if ok && b.HasResults() {
		return b.Results(), nil
	}
	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("immediate results: %w", model.ErrNotFound)
}

func (r *Racer) queueImmediateLocked(id string) {
	for _, p := range r.pendingImmediate {
		if p == id {
			return
		}
	}
	r.pendingImmediate = append(r.pendingImmediate, id)
}

// flushImmediateLocked moves requests that arrived during an immediate send
// into a fresh immediate batch and arms the debounce for it.
func (r *Racer) flushImmediateLocked() {
	pending := r.pendingImmediate
	r.pendingImmediate = nil
	if len(pending) == 0 || r.closed || r.mode != ModeOn {
		return
	}
	b := r.immediateBatchLocked()
	s := r.immediate
	var added int
	for _, id := range pending {
		if _, err := r.requests.Get(id); err != nil {
			continue
		}
		if err := b.Add(id, 0, s.Parallel, s.Sequential, true); err != nil {
			r.logger.Warn("queued request dropped",
				logging.Field{Key: "request_id", Value: id},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		added++
	}
	if added > 0 {
		r.logger.Info("queued requests moved to immediate batch", logging.Field{Key: "requests", Value: added})
		r.armDebounceLocked()
	}
}

// immediateBatchLocked returns the batch new requests are collected in. A
// batch that already holds results is replaced by a fresh one using the
// current settings.
func (r *Racer) immediateBatchLocked() *batch.Batch {
	b, ok := r.batches[ImmediateBatchName]
	if ok && !b.HasResults() {
		return b
	}
	if ok {
		b.ClearResults()
	}
	b = batch.New(ImmediateBatchName, r.immediate.batchSettings(), r.sink, r.logger)
	r.batches[ImmediateBatchName] = b
	delete(r.deleted, ImmediateBatchName)
	return b
}

func (r *Racer) armDebounceLocked() {
	if r.debounce == nil {
		r.debounce = time.AfterFunc(r.cfg.Debounce, r.triggerImmediate)
		return
	}
	r.debounce.Reset(r.cfg.Debounce)
}

// triggerImmediate sends the immediate batch once requests stopped arriving.
func (r *Racer) triggerImmediate() {
	r.mu.Lock()
	if r.closed || r.mode != ModeOn {
		r.mu.Unlock()
		return
	}
	b, ok := r.batches[ImmediateBatchName]
	if !ok || b.IsEmpty() || b.HasResults() {
		r.mu.Unlock()
		return
	}
	if r.sending[ImmediateBatchName] {
		r.armDebounceLocked()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	b, err := r.acquire(ImmediateBatchName, true)
	if err != nil {
		r.logger.Warn("immediate send skipped", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer r.release(ImmediateBatchName)

	r.logger.Info("sending immediate batch")
	_, err = r.sender.Run(r.ctx, b, r.requests, nil)
	if err != nil {
		r.logger.Error("immediate send failed", logging.Field{Key: "error", Value: err.Error()})
	} else {
		r.persistBatch(r.ctx, b)
	}

	r.mu.Lock()
	if err == nil {
		r.lastImmediate = b.Results()
	}
	r.flushImmediateLocked()
	r.mu.Unlock()
}
