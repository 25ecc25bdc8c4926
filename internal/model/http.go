package model

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// Exchange is one HTTP request/response pair produced by a transport worker.
type Exchange struct {
	RequestID     string            `json:"request_id"`
	DelayMS       int               `json:"wait_time"`
	ParallelIndex int               `json:"parallel_index"`
	SendIndex     int               `json:"send_index"`
	SendTime      time.Time         `json:"send_time"`
	ResponseTime  time.Time         `json:"response_time"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	Charset       string            `json:"charset,omitempty"`
	// Undecoded is set when no charset could be determined and Body holds the
	// raw bytes.
	Undecoded bool `json:"undecoded,omitempty"`
}

type exchangeJSON Exchange

type exchangeWire struct {
	exchangeJSON
	// BodyRaw carries a body that is not valid UTF-8, base64 encoded.
	BodyRaw []byte `json:"body_raw,omitempty"`
}

// MarshalJSON writes a body that is not valid UTF-8 as body_raw bytes so it
// survives a round trip unchanged.
func (e Exchange) MarshalJSON() ([]byte, error) {
	w := exchangeWire{exchangeJSON: exchangeJSON(e)}
	if !utf8.ValidString(e.Body) {
		w.BodyRaw = []byte(e.Body)
		w.Body = ""
	}
	return json.Marshal(w)
}

func (e *Exchange) UnmarshalJSON(data []byte) error {
	var w exchangeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Exchange(w.exchangeJSON)
	if w.BodyRaw != nil {
		e.Body = string(w.BodyRaw)
	}
	return nil
}

// Failure marks an exchange that produced no response.
type Failure struct {
	RequestID     string    `json:"request_id"`
	DelayMS       int       `json:"wait_time"`
	ParallelIndex int       `json:"parallel_index"`
	SendIndex     int       `json:"send_index"`
	Time          time.Time `json:"time"`
	Error         string    `json:"error"`
	// Skipped is set for exchanges never attempted because an earlier
	// exchange of the same worker failed.
	Skipped bool `json:"skipped,omitempty"`
}

// ResponseSet holds everything one batch run collected for a request id.
type ResponseSet struct {
	Exchanges []Exchange `json:"exchanges"`
	Failures  []Failure  `json:"failures,omitempty"`
}

// LessID orders request ids: numeric ids by value, then every other id
// lexically.
func LessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// SortExchanges orders exchanges by send time. Ties fall back to delay
// offset, parallel index and send index so the order is deterministic.
func SortExchanges(xs []Exchange) {
	sort.SliceStable(xs, func(i, j int) bool {
		a, b := xs[i], xs[j]
		if !a.SendTime.Equal(b.SendTime) {
			return a.SendTime.Before(b.SendTime)
		}
		if a.DelayMS != b.DelayMS {
			return a.DelayMS < b.DelayMS
		}
		if a.ParallelIndex != b.ParallelIndex {
			return a.ParallelIndex < b.ParallelIndex
		}
		return a.SendIndex < b.SendIndex
	})
}

// Clone returns a deep copy of the exchange.
func (e Exchange) Clone() Exchange {
	cp := e
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}
