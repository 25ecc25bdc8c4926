package batch

import (
	"encoding/json"
	"fmt"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/compare"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

// State is the serialized form of a batch.
type State struct {
	Name           string          `json:"name"`
	AllowRedirects bool            `json:"allow_redirects"`
	SyncLastByte   bool            `json:"sync_last_byte"`
	SendTimeout    int             `json:"send_timeout"`
	Policy         *compare.Policy `json:"custom_comparing"`
	Items          []StateItem     `json:"items"`
	Results        *Results        `json:"results,omitempty"`
}

// StateItem is one serialized item.
type StateItem struct {
	Key   Key  `json:"key"`
	Value Item `json:"value"`
}

// State snapshots the batch for persistence.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Batch) stateLocked() State {
	st := State{
		Name:           b.name,
		AllowRedirects: b.settings.AllowRedirects,
		SyncLastByte:   b.settings.SyncLastByte,
		SendTimeout:    b.settings.SendTimeoutSeconds,
		Policy:         b.policy.Clone(),
		Items:          make([]StateItem, 0, len(b.items)),
		Results:        b.resultsLocked(),
	}
	for _, k := range sortedKeys(b.items) {
		st.Items = append(st.Items, StateItem{Key: k, Value: b.items[k]})
	}
	return st
}

// FromState rebuilds a batch. Groups whose artifacts were removed since the
// state was written are regrouped. Invalid content yields ErrCorruptState.
func FromState(st State, sink artifacts.Sink, logger logging.Logger) (*Batch, error) {
	if st.Name == "" {
		return nil, fmt.Errorf("batch without name: %w", model.ErrCorruptState)
	}
	b := New(st.Name, Settings{
		AllowRedirects:     st.AllowRedirects,
		SyncLastByte:       st.SyncLastByte,
		SendTimeoutSeconds: st.SendTimeout,
	}, sink, logger)
	if st.Policy != nil {
		b.policy = st.Policy.Clone()
	}
	for _, it := range st.Items {
		err := b.Add(it.Key.RequestID, it.Key.DelayMS, it.Value.Parallel, it.Value.Sequential, false)
		if err != nil {
			return nil, fmt.Errorf("batch %s item %s: %v: %w", st.Name, it.Key, err, model.ErrCorruptState)
		}
	}
	if st.Results != nil {
		if st.Results.Contents == nil {
			st.Results.Contents = make(map[string]*RequestResult)
		}
		for id, rr := range st.Results.Contents {
			if rr == nil {
				return nil, fmt.Errorf("batch %s results of %s are null: %w", st.Name, id, model.ErrCorruptState)
			}
		}
		b.results = st.Results
	}
	if err := b.Regroup(false); err != nil {
		return nil, fmt.Errorf("regrouping batch %s: %w", st.Name, err)
	}
	b.MarkClean()
	return b, nil
}

// Encode serializes the batch as JSON.
func (b *Batch) Encode() ([]byte, error) {
	data, _, err := b.EncodeVersion()
	return data, err
}

// EncodeVersion serializes the batch and returns the version it captured,
// for MarkSaved.
func (b *Batch) EncodeVersion() ([]byte, uint64, error) {
	b.mu.Lock()
	st := b.stateLocked()
	version := b.version
	b.mu.Unlock()
	data, err := json.Marshal(st)
	return data, version, err
}

// Decode parses a batch serialized by Encode.
func Decode(data []byte, sink artifacts.Sink, logger logging.Logger) (*Batch, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding batch: %v: %w", err, model.ErrCorruptState)
	}
	return FromState(st, sink, logger)
}
