package sender

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
	"github.com/raysh454/racer/internal/webclient"
)

type workerOutput struct {
	exchanges []model.Exchange
	failures  []model.Failure
}

// runWorker waits for the item deadline and then performs the sequential
// exchanges of one parallel slot. The first failure ends the worker; the
// exchanges it never attempted are reported as skipped.
func (s *Sender) runWorker(ctx context.Context, client webclient.WebClient, j job, fire time.Time, syncLastByte bool, onExchange func()) workerOutput {
	var out workerOutput
	delay := time.Duration(j.key.DelayMS) * time.Millisecond
	deadline := fire.Add(delay)

	fail := func(from int, err error) {
		now := time.Now()
		for i := from; i < j.sequential; i++ {
			f := model.Failure{
				RequestID:     j.key.RequestID,
				DelayMS:       j.key.DelayMS,
				ParallelIndex: j.parallelIndex,
				SendIndex:     i,
				Time:          now,
				Error:         err.Error(),
				Skipped:       i > from,
			}
			out.failures = append(out.failures, f)
			onExchange()
		}
	}

	if err := webclient.SleepUntil(ctx, deadline, s.cfg.SpinWindow); err != nil {
		fail(0, fmt.Errorf("%w: wait for deadline: %v", model.ErrTransport, err))
		return out
	}

	for i := 0; i < j.sequential; i++ {
		req := *j.req
		if syncLastByte && len(req.Body) > 0 {
			req.LastByteAt = fire.Add(s.cfg.FinalByteWindow + delay)
		}
		resp, err := client.Do(ctx, &req)
		if err != nil {
			s.logger.Warn("exchange failed",
				logging.Field{Key: "request_id", Value: j.key.RequestID},
				logging.Field{Key: "delay_ms", Value: j.key.DelayMS},
				logging.Field{Key: "parallel_index", Value: j.parallelIndex},
				logging.Field{Key: "send_index", Value: i},
				logging.Field{Key: "error", Value: err})
			fail(i, fmt.Errorf("%w: %v", model.ErrTransport, err))
			return out
		}
		out.exchanges = append(out.exchanges, toExchange(resp, j, i))
		onExchange()
	}
	return out
}

func toExchange(resp *webclient.Response, j job, sendIndex int) model.Exchange {
	body, charset, ok := webclient.DecodeBody(resp.Body, resp.Headers.Get("Content-Type"))
	return model.Exchange{
		RequestID:     j.key.RequestID,
		DelayMS:       j.key.DelayMS,
		ParallelIndex: j.parallelIndex,
		SendIndex:     sendIndex,
		SendTime:      resp.SentAt,
		ResponseTime:  resp.FetchedAt,
		StatusCode:    resp.StatusCode,
		Headers:       flattenHeaders(resp.Headers),
		Body:          body,
		Charset:       charset,
		Undecoded:     !ok,
	}
}

// flattenHeaders joins repeated header values with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
