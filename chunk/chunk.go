// Package chunk implements fixed-size chunk digests
// and the file-data streams of the replication protocol.
//
// A file is sent either whole,
// as a series of (Next, length, bytes) blocks,
// or as a delta against a Set of digests supplied by the remote daemon,
// in which a chunk whose MD5 matches is replaced by a NextChunk marker.
// Both forms end with a Done marker.
package chunk

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/bobg/bsync/proto"
)

const (
	// Bits is log2 of Size.
	Bits = 20

	// Size is the number of bytes in every chunk but possibly the last.
	Size = 1 << Bits

	maxPrealloc = 4096
)

// Digest is the MD5 of one chunk, split into two big-endian halves.
type Digest struct {
	Hi, Lo int64
}

// Sum computes the Digest of b.
func Sum(b []byte) Digest {
	s := md5.Sum(b)
	return Digest{
		Hi: int64(binary.BigEndian.Uint64(s[:8])),
		Lo: int64(binary.BigEndian.Uint64(s[8:])),
	}
}

// Count is the number of chunks in a file of the given size.
func Count(size int64) (int, error) {
	if size < 0 {
		return 0, errors.Errorf("negative size %d", size)
	}
	n := size >> Bits
	if size&(Size-1) != 0 {
		n++
	}
	if n > math.MaxInt32 {
		return 0, errors.Errorf("size %d has too many chunks", size)
	}
	return int(n), nil
}

// Set describes the remote daemon's copy of a file:
// its size and the digest of each of its chunks.
type Set struct {
	Size    int64
	Digests []Digest
}

// ChunkSize is the number of bytes in chunk i of the remote copy.
func (s *Set) ChunkSize(i int) int {
	if rest := s.Size - int64(i)<<Bits; rest < Size {
		return int(rest)
	}
	return Size
}

// ReadSet reads a declared size and its digests.
func ReadSet(r *proto.Reader) (*Set, error) {
	size, err := r.ReadLong()
	if err != nil {
		return nil, errors.Wrap(err, "reading chunking size")
	}
	n, err := Count(size)
	if err != nil {
		return nil, err
	}
	s := &Set{Size: size}
	if n > 0 {
		// The declared size is not trusted for allocation.
		s.Digests = make([]Digest, 0, min(n, maxPrealloc))
	}
	for i := 0; i < n; i++ {
		var d Digest
		if d.Hi, err = r.ReadLong(); err != nil {
			return nil, errors.Wrapf(err, "reading digest %d of %d", i, n)
		}
		if d.Lo, err = r.ReadLong(); err != nil {
			return nil, errors.Wrapf(err, "reading digest %d of %d", i, n)
		}
		s.Digests = append(s.Digests, d)
	}
	return s, nil
}

// WriteSet is the daemon side of ReadSet.
func WriteSet(w *proto.Writer, s *Set) error {
	if err := w.WriteLong(s.Size); err != nil {
		return err
	}
	for _, d := range s.Digests {
		if err := w.WriteLong(d.Hi); err != nil {
			return err
		}
		if err := w.WriteLong(d.Lo); err != nil {
			return err
		}
	}
	return nil
}

// SetOf computes the Set for the content of r.
func SetOf(r io.Reader) (*Set, error) {
	var (
		s   = new(Set)
		buf = make([]byte, Size)
	)
	for {
		n, err := readFull(r, buf)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			s.Size += int64(n)
			s.Digests = append(s.Digests, Sum(buf[:n]))
		}
		if n < Size {
			return s, nil
		}
	}
}

// readFull reads until buf is full or r is exhausted.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

// Buffer allocates a buffer suitable for WriteWhole and WriteDelta.
func Buffer() []byte {
	return make([]byte, Size)
}

func checkBuf(buf []byte) ([]byte, error) {
	if len(buf) < Size {
		return nil, errors.Errorf("buffer of %d bytes is smaller than a chunk", len(buf))
	}
	return buf[:Size], nil
}

func writeBlock(w *proto.Writer, b []byte) error {
	if err := w.WriteByte(proto.Next); err != nil {
		return err
	}
	if err := w.WriteCompressedInt(int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Stats summarizes one file stream.
type Stats struct {
	// Chunks is the number of chunks read from the local file.
	Chunks int

	// Sent is the number of chunks sent as data.
	Sent int

	// Skipped is the number of chunks replaced by NextChunk.
	Skipped int

	// Bytes is the number of file bytes sent as data.
	Bytes int64

	// Length is the number of bytes in the file as streamed.
	Length int64
}

// Changed tells whether a delta stream described by st
// leaves the remote copy described by set different from before.
// A file that shrank to a prefix of the remote copy sends no data but is still changed.
func (st Stats) Changed(set *Set) bool {
	return st.Bytes > 0 || set == nil || st.Length != set.Size
}

// WriteWhole streams all of r to w, followed by Done.
// The context is checked before and after every read.
func WriteWhole(ctx context.Context, w *proto.Writer, r io.Reader, buf []byte) (Stats, error) {
	var st Stats
	buf, err := checkBuf(buf)
	if err != nil {
		return st, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, err := readFull(r, buf)
		if err != nil {
			return st, err
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if n > 0 {
			st.Chunks++
			st.Sent++
			st.Bytes += int64(n)
			st.Length += int64(n)
			if err := writeBlock(w, buf[:n]); err != nil {
				return st, err
			}
		}
		if n < Size {
			break
		}
	}
	return st, w.WriteByte(proto.Done)
}

// WriteDelta streams r to w as a delta against set, followed by Done.
//
// A chunk is replaced by NextChunk only when it was read in full,
// its position is within set,
// and its first set.ChunkSize(i) bytes have the remote digest.
// Bytes beyond the remote copy's last chunk follow the marker as data.
// Every other chunk is sent as data.
func WriteDelta(ctx context.Context, w *proto.Writer, r io.Reader, set *Set, buf []byte) (Stats, error) {
	var st Stats
	buf, err := checkBuf(buf)
	if err != nil {
		return st, err
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, err := readFull(r, buf)
		if err != nil {
			return st, err
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if n > 0 {
			st.Chunks++
			st.Length += int64(n)
			if err := writeChunk(w, buf[:n], set, i, &st); err != nil {
				return st, err
			}
		}
		if n < Size {
			break
		}
	}
	return st, w.WriteByte(proto.Done)
}

func writeChunk(w *proto.Writer, b []byte, set *Set, i int, st *Stats) error {
	if i < len(set.Digests) {
		size := set.ChunkSize(i)
		if len(b) >= size && Sum(b[:size]) == set.Digests[i] {
			st.Skipped++
			if err := w.WriteByte(proto.NextChunk); err != nil {
				return err
			}
			if len(b) > size {
				st.Bytes += int64(len(b) - size)
				return writeBlock(w, b[size:])
			}
			return nil
		}
	}
	st.Sent++
	st.Bytes += int64(len(b))
	return writeBlock(w, b)
}

// Receive is the daemon side of WriteWhole and WriteDelta.
// It reconstructs the file on dst,
// reading NextChunk content from prev according to set.
// If set is nil, NextChunk is a protocol error.
// In the returned Stats,
// Sent counts data blocks,
// Skipped counts NextChunk markers,
// Bytes counts literal bytes,
// and Length is the size of the reconstructed file.
func Receive(r *proto.Reader, dst io.Writer, prev io.ReaderAt, set *Set) (Stats, error) {
	var (
		st  Stats
		pos int64
		buf []byte
	)
	for {
		m, err := r.ReadByte()
		if err != nil {
			return st, errors.Wrap(err, "reading data marker")
		}
		switch m {
		case proto.Done:
			st.Length = pos
			return st, nil

		case proto.Next:
			n, err := r.ReadCompressedInt()
			if err != nil {
				return st, errors.Wrap(err, "reading block length")
			}
			if n < 0 || n > Size {
				return st, errors.Errorf("block length %d out of range", n)
			}
			if buf == nil {
				buf = make([]byte, Size)
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return st, errors.Wrap(err, "reading block")
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return st, errors.Wrap(err, "writing block")
			}
			st.Sent++
			st.Bytes += int64(n)
			pos += int64(n)

		case proto.NextChunk:
			if set == nil {
				return st, &proto.ProtocolError{What: "whole-file data", Code: m}
			}
			i := int(pos >> Bits)
			if i >= len(set.Digests) {
				return st, errors.Errorf("chunk %d beyond remote copy of %d chunks", i, len(set.Digests))
			}
			size := int64(set.ChunkSize(i))
			sr := io.NewSectionReader(prev, int64(i)<<Bits, size)
			if _, err := io.Copy(dst, sr); err != nil {
				return st, errors.Wrapf(err, "copying chunk %d", i)
			}
			st.Skipped++
			pos += size

		default:
			return st, &proto.ProtocolError{What: "data marker", Code: m}
		}
	}
}
