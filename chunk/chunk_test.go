package chunk

import (
	"bytes"
	"context"
	stderrs "errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/bsync/proto"
)

func TestCount(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 0}, {1, 1}, {Size - 1, 1}, {Size, 1}, {Size + 1, 2}, {10 * Size, 10},
	}
	for _, c := range cases {
		got, err := Count(c.size)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("Count(%d) = %d, want %d", c.size, got, c.want)
		}
	}
	if _, err := Count(-1); err == nil {
		t.Error("expected error for negative size")
	}
}

func TestChunkSize(t *testing.T) {
	s := &Set{Size: 2*Size + 10, Digests: make([]Digest, 3)}
	got := []int{s.ChunkSize(0), s.ChunkSize(1), s.ChunkSize(2)}
	if diff := cmp.Diff([]int{Size, Size, 10}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// roundTrip sends local as a delta against remote,
// reconstructs it the way a daemon would,
// and returns the stats and the markers in the stream.
func roundTrip(t *testing.T, remote, local []byte) Stats {
	t.Helper()

	set, err := SetOf(bytes.NewReader(remote))
	if err != nil {
		t.Fatal(err)
	}

	// The set must survive its own encoding.
	sbuf := new(bytes.Buffer)
	sw := proto.NewWriter(sbuf)
	if err := WriteSet(sw, set); err != nil {
		t.Fatal(err)
	}
	if err := sw.Flush(); err != nil {
		t.Fatal(err)
	}
	set2, err := ReadSet(proto.NewReader(sbuf))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(set, set2); diff != "" {
		t.Fatalf("set mismatch (-want +got):\n%s", diff)
	}

	stream := new(bytes.Buffer)
	w := proto.NewWriter(stream)
	st, err := WriteDelta(context.Background(), w, bytes.NewReader(local), set2, Buffer())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	got := new(bytes.Buffer)
	rst, err := Receive(proto.NewReader(stream), got, bytes.NewReader(remote), set2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes(), local) {
		t.Errorf("reconstructed %d bytes differ from local file of %d bytes", got.Len(), len(local))
	}
	if rst.Skipped != st.Skipped || rst.Bytes != st.Bytes || rst.Length != st.Length {
		t.Errorf("receiver saw %d skipped chunks, %d literal bytes and length %d; sender %d, %d and %d", rst.Skipped, rst.Bytes, rst.Length, st.Skipped, st.Bytes, st.Length)
	}
	if want := !bytes.Equal(remote, local); st.Changed(set2) != want {
		t.Errorf("got Changed %v, want %v", st.Changed(set2), want)
	}
	return st
}

func TestDeltaUnchanged(t *testing.T) {
	data := randomBytes(1, 2*Size+Size/2)
	st := roundTrip(t, data, data)
	if diff := cmp.Diff(Stats{Chunks: 3, Skipped: 3, Length: 2*Size + Size/2}, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeltaModified(t *testing.T) {
	remote := randomBytes(2, 3*Size)
	local := append([]byte(nil), remote...)
	local[Size+17] ^= 0xff
	st := roundTrip(t, remote, local)
	if diff := cmp.Diff(Stats{Chunks: 3, Sent: 1, Skipped: 2, Bytes: Size, Length: 3 * Size}, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeltaGrown(t *testing.T) {
	local := randomBytes(3, 2*Size+100)
	remote := local[:Size+Size/2]
	st := roundTrip(t, remote, local)

	// Chunk 1 matches the remote's half chunk and sends the other half as data.
	// Chunk 2 is beyond the remote copy.
	want := Stats{Chunks: 3, Sent: 1, Skipped: 2, Bytes: Size/2 + 100, Length: 2*Size + 100}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeltaShrunk(t *testing.T) {
	remote := randomBytes(4, 3*Size)
	local := remote[:Size+5]
	st := roundTrip(t, remote, local)
	if diff := cmp.Diff(Stats{Chunks: 2, Sent: 1, Skipped: 1, Bytes: 5, Length: Size + 5}, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeltaTruncated(t *testing.T) {
	// No data is sent, but the remote copy loses its second chunk.
	remote := randomBytes(7, 2*Size)
	local := remote[:Size]
	st := roundTrip(t, remote, local)
	if diff := cmp.Diff(Stats{Chunks: 1, Skipped: 1, Length: Size}, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadSetDeclaredSize(t *testing.T) {
	// A huge declared size with too few digests fails without a huge allocation.
	buf := new(bytes.Buffer)
	w := proto.NewWriter(buf)
	w.WriteLong(int64(math.MaxInt32) << Bits)
	w.WriteLong(1)
	w.WriteLong(2)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSet(proto.NewReader(buf)); err == nil {
		t.Error("expected error for a truncated digest list")
	}
}

func TestDeltaEmptyRemote(t *testing.T) {
	local := randomBytes(5, 100)
	st := roundTrip(t, nil, local)
	if diff := cmp.Diff(Stats{Chunks: 1, Sent: 1, Bytes: 100, Length: 100}, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestWhole(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want []byte
	}{
		{"empty", nil, []byte{proto.Done}},
		{"small", []byte("0123456789"), append([]byte{proto.Next, 10}, append([]byte("0123456789"), proto.Done)...)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			w := proto.NewWriter(buf)
			if _, err := WriteWhole(context.Background(), w, bytes.NewReader(c.data), Buffer()); err != nil {
				t.Fatal(err)
			}
			if err := w.Flush(); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, buf.Bytes()); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	data := randomBytes(6, 2*Size+1)
	buf := new(bytes.Buffer)
	w := proto.NewWriter(buf)
	st, err := WriteWhole(context.Background(), w, bytes.NewReader(data), Buffer())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Stats{Chunks: 3, Sent: 3, Bytes: 2*Size + 1, Length: 2*Size + 1}, st); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	got := new(bytes.Buffer)
	if _, err := Receive(proto.NewReader(buf), got, nil, nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Error("reconstructed file differs")
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := proto.NewWriter(new(bytes.Buffer))
	_, err := WriteDelta(ctx, w, bytes.NewReader([]byte("x")), &Set{}, Buffer())
	if !stderrs.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestReceiveRejectsChunkWithoutSet(t *testing.T) {
	_, err := Receive(proto.NewReader(bytes.NewReader([]byte{proto.NextChunk})), new(bytes.Buffer), nil, nil)
	var perr *proto.ProtocolError
	if !stderrs.As(err, &perr) {
		t.Errorf("got %v, want ProtocolError", err)
	}
}
