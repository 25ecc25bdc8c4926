package webclient

import (
	"context"
	"io"
	"time"
)

// DefaultSpinWindow is how long before a deadline sleeping stops and
// busy-waiting takes over.
const DefaultSpinWindow = 20 * time.Millisecond

// SleepUntil blocks until deadline. It sleeps until spin before the deadline
// and busy-waits for the rest, trading CPU for precision. A deadline in the
// past returns immediately.
func SleepUntil(ctx context.Context, deadline time.Time, spin time.Duration) error {
	if d := time.Until(deadline) - spin; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// heldBackReader yields all but the final byte immediately and the final
// byte at a given instant.
type heldBackReader struct {
	ctx  context.Context
	data []byte
	at   time.Time
	off  int
}

func newHeldBackReader(ctx context.Context, data []byte, at time.Time) *heldBackReader {
	return &heldBackReader{ctx: ctx, data: data, at: at}
}

func (r *heldBackReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	last := len(r.data) - 1
	if r.off < last {
		n := copy(p, r.data[r.off:last])
		r.off += n
		return n, nil
	}
	if err := SleepUntil(r.ctx, r.at, DefaultSpinWindow); err != nil {
		return 0, err
	}
	p[0] = r.data[last]
	r.off++
	return 1, io.EOF
}
