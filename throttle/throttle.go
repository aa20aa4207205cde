// Package throttle implements a bandwidth-limited writer
// whose rate may change while it is in use,
// and byte-counting wrappers.
package throttle

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// maxBurst bounds how much may be written in one step,
// and so how much credit an idle writer can accumulate.
const maxBurst = 1 << 20

// RateProvider supplies the current bandwidth cap in bits per second.
// Zero or less means unlimited.
type RateProvider interface {
	BitRate() int64
}

// Fixed is a constant RateProvider.
type Fixed int64

func (f Fixed) BitRate() int64 { return int64(f) }

// Dynamic is a RateProvider that looks up the rate,
// falling back to a fixed rate when the lookup fails.
// A result, including a fallback, is reused until MaxAge has passed.
// Only the first of a run of failures is logged.
type Dynamic struct {
	Lookup   func() (int64, error)
	Fallback int64
	MaxAge   time.Duration // zero means look up on every call
	Logger   *slog.Logger

	// Now is the clock for MaxAge.
	// It defaults to time.Now.
	Now func() time.Time

	failing bool
	cur     int64
	at      time.Time
	valid   bool
}

func (d *Dynamic) BitRate() int64 {
	now := d.now()
	if d.valid && d.MaxAge > 0 && now.Sub(d.at) < d.MaxAge {
		return d.cur
	}
	d.cur, d.at, d.valid = d.lookup(), now, true
	return d.cur
}

func (d *Dynamic) lookup() int64 {
	r, err := d.Lookup()
	if err != nil {
		if !d.failing && d.Logger != nil {
			d.Logger.Warn("looking up bit rate, using rate from pass start", "err", err, "bit_rate", d.Fallback)
		}
		d.failing = true
		return d.Fallback
	}
	d.failing = false
	return r
}

func (d *Dynamic) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Writer is a rate-limited io.Writer.
// It consults its RateProvider on every write.
type Writer struct {
	ctx context.Context
	w   io.Writer
	p   RateProvider
	lim *rate.Limiter // nil when unlimited
	bps int64
}

// NewWriter produces a Writer on w.
// Waiting for bandwidth is abandoned when ctx is canceled.
func NewWriter(ctx context.Context, w io.Writer, p RateProvider) *Writer {
	return &Writer{ctx: ctx, w: w, p: p}
}

func (w *Writer) Write(b []byte) (int, error) {
	w.setRate(w.p.BitRate())

	var total int
	for len(b) > 0 {
		n := len(b)
		if w.lim != nil {
			if burst := w.lim.Burst(); n > burst {
				n = burst
			}
			if err := w.lim.WaitN(w.ctx, n); err != nil {
				return total, err
			}
		}
		m, err := w.w.Write(b[:n])
		total += m
		if err != nil {
			return total, err
		}
		b = b[n:]
	}
	return total, nil
}

func (w *Writer) setRate(bps int64) {
	if bps == w.bps {
		return
	}
	w.bps = bps
	if bps <= 0 {
		w.lim = nil
		return
	}
	bytes := bps / 8
	if bytes < 1 {
		bytes = 1
	}
	burst := bytes
	if burst > maxBurst {
		burst = maxBurst
	}
	if w.lim == nil {
		w.lim = rate.NewLimiter(rate.Limit(bytes), int(burst))
		return
	}
	w.lim.SetLimit(rate.Limit(bytes))
	w.lim.SetBurst(int(burst))
}

// CountWriter counts the bytes written through it.
type CountWriter struct {
	W io.Writer
	n int64
}

func (c *CountWriter) Write(b []byte) (int, error) {
	n, err := c.W.Write(b)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}

// Count is the number of bytes written so far.
func (c *CountWriter) Count() int64 {
	return atomic.LoadInt64(&c.n)
}

// CountReader counts the bytes read through it.
type CountReader struct {
	R io.Reader
	n int64
}

func (c *CountReader) Read(b []byte) (int, error) {
	n, err := c.R.Read(b)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}

// Count is the number of bytes read so far.
func (c *CountReader) Count() int64 {
	return atomic.LoadInt64(&c.n)
}
