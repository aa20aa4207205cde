package throttle

import (
	"bytes"
	"context"
	stderrs "errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type countingProvider struct {
	calls int
	rate  int64
}

func (p *countingProvider) BitRate() int64 {
	p.calls++
	return p.rate
}

func TestUnlimited(t *testing.T) {
	var (
		buf = new(bytes.Buffer)
		p   = &countingProvider{}
		w   = NewWriter(context.Background(), buf, p)
	)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(make([]byte, 1<<21)); err != nil {
			t.Fatal(err)
		}
	}
	if buf.Len() != 3<<21 {
		t.Errorf("wrote %d bytes, want %d", buf.Len(), 3<<21)
	}
	if p.calls != 3 {
		t.Errorf("provider consulted %d times, want 3", p.calls)
	}
}

func TestLimited(t *testing.T) {
	var (
		buf = new(bytes.Buffer)
		p   = &countingProvider{rate: 8 * 1000} // 1000 bytes per second
		w   = NewWriter(context.Background(), buf, p)
	)

	// The first write spends the initial burst.
	if _, err := w.Write(make([]byte, 1000)); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := w.Write(make([]byte, 500)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("500 bytes at 1000 B/s took only %s", elapsed)
	}

	// Lifting the cap mid-stream takes effect on the next write.
	p.rate = 0
	start = time.Now()
	if _, err := w.Write(make([]byte, 100000)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unlimited write took %s", elapsed)
	}
}

func TestCanceledWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(ctx, new(bytes.Buffer), Fixed(8))
	if _, err := w.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := w.Write([]byte{2}); !stderrs.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestDynamicFallback(t *testing.T) {
	d := &Dynamic{
		Lookup:   func() (int64, error) { return 0, stderrs.New("registry unavailable") },
		Fallback: 12345,
	}
	if got := d.BitRate(); got != 12345 {
		t.Errorf("got %d, want 12345", got)
	}
	d.Lookup = func() (int64, error) { return 99, nil }
	if got := d.BitRate(); got != 99 {
		t.Errorf("got %d, want 99", got)
	}
}

func TestDynamicMaxAge(t *testing.T) {
	var (
		now     = time.Date(2026, 3, 14, 1, 30, 0, 0, time.UTC)
		lookups int
		fail    bool
	)
	d := &Dynamic{
		Lookup: func() (int64, error) {
			lookups++
			if fail {
				return 0, stderrs.New("registry unavailable")
			}
			return int64(lookups), nil
		},
		Fallback: 12345,
		MaxAge:   time.Second,
		Now:      func() time.Time { return now },
	}

	// Failures fall back, and the fallback is reused too.
	var got []int64
	for _, tc := range []struct {
		advance time.Duration
		fail    bool
	}{
		{0, false},
		{100 * time.Millisecond, false},
		{800 * time.Millisecond, false},
		{200 * time.Millisecond, false},
		{500 * time.Millisecond, true},
		{time.Second, true},
		{500 * time.Millisecond, false},
	} {
		now = now.Add(tc.advance)
		fail = tc.fail
		got = append(got, d.BitRate())
	}
	if diff := cmp.Diff([]int64{1, 1, 1, 2, 2, 12345, 12345}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if lookups != 3 {
		t.Errorf("got %d lookups, want 3", lookups)
	}
}

func TestCounters(t *testing.T) {
	cw := &CountWriter{W: new(bytes.Buffer)}
	cw.Write([]byte("hello"))
	cw.Write([]byte(", world"))
	if cw.Count() != 12 {
		t.Errorf("counted %d bytes written, want 12", cw.Count())
	}
	cr := &CountReader{R: strings.NewReader("abcdef")}
	b := make([]byte, 4)
	cr.Read(b)
	cr.Read(b)
	if cr.Count() != 6 {
		t.Errorf("counted %d bytes read, want 6", cr.Count())
	}
}
