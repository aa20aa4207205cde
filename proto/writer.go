package proto

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Writer encodes protocol values onto a stream.
// Output is buffered until Flush.
//
// After the first error,
// every method does nothing and returns that error,
// so a sequence of writes may be checked once at the end with Err.
type Writer struct {
	w    io.Writer
	bw   *bufio.Writer
	err  error
	last [MaxSlot + 1][]uint16
	buf  [8]byte
	ubuf []byte
}

// NewWriter produces a Writer on w.
// If w has a Flush method (as does a gzip writer),
// Writer.Flush calls it after emptying its own buffer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, bw: bufio.NewWriter(w)}
}

// Err is the first error encountered, if any.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// Write writes raw bytes.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.bw.Write(p)
	if err != nil {
		return n, w.fail(err)
	}
	return n, nil
}

func (w *Writer) write(p []byte) error {
	_, err := w.Write(p)
	return err
}

func (w *Writer) WriteByte(b byte) error {
	w.buf[0] = b
	return w.write(w.buf[:1])
}

func (w *Writer) WriteBool(b bool) error {
	if b {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func (w *Writer) WriteShort(v int16) error {
	binary.BigEndian.PutUint16(w.buf[:2], uint16(v))
	return w.write(w.buf[:2])
}

func (w *Writer) WriteLong(v int64) error {
	binary.BigEndian.PutUint64(w.buf[:], uint64(v))
	return w.write(w.buf[:])
}

// WriteCompressedInt writes v in one to four bytes.
// The representable range is [-0x20000000, 0x20000000).
func (w *Writer) WriteCompressedInt(v int32) error {
	var n int
	switch {
	case v >= -0x20 && v < 0x20:
		w.buf[0] = byte(v) & 0x3f
		n = 1
	case v >= -0x2000 && v < 0x2000:
		w.buf[0] = 0x40 | byte(v>>8)&0x3f
		w.buf[1] = byte(v)
		n = 2
	case v >= -0x200000 && v < 0x200000:
		w.buf[0] = 0x80 | byte(v>>16)&0x3f
		w.buf[1] = byte(v >> 8)
		w.buf[2] = byte(v)
		n = 3
	case v >= -0x20000000 && v < 0x20000000:
		w.buf[0] = 0xc0 | byte(v>>24)&0x3f
		w.buf[1] = byte(v >> 16)
		w.buf[2] = byte(v >> 8)
		w.buf[3] = byte(v)
		n = 4
	default:
		return w.fail(errors.Wrapf(errCompressedIntRange, "writing %d", v))
	}
	return w.write(w.buf[:n])
}

// WriteUTF writes s as modified UTF-8 with a 16-bit length prefix.
func (w *Writer) WriteUTF(s string) error {
	return w.writeUnits(toUnits(s))
}

func (w *Writer) writeUnits(u []uint16) error {
	if n := modifiedLen(u); n > maxUTFBytes {
		return w.fail(errors.Errorf("string of %d encoded bytes too long", n))
	}
	w.ubuf = appendModified(w.ubuf[:0], u)
	if err := w.WriteShort(int16(uint16(len(w.ubuf)))); err != nil {
		return err
	}
	return w.write(w.ubuf)
}

// WriteCompressedUTF writes s,
// sharing any common prefix with the previous string written in the same slot.
// The prefix is measured in UTF-16 code units.
//
// The header byte holds the slot in its low six bits,
// 0x80 if a prefix length follows (as a compressed int),
// and 0x40 if a suffix follows (as a UTF string).
func (w *Writer) WriteCompressedUTF(s string, slot int) error {
	if slot < 0 || slot > MaxSlot {
		return w.fail(errors.Errorf("slot %d out of range", slot))
	}
	var (
		cur    = toUnits(s)
		last   = w.last[slot]
		common = 0
	)
	for common < len(last) && common < len(cur) && last[common] == cur[common] {
		common++
	}
	suffix := cur[common:]

	hdr := byte(slot)
	if common > 0 {
		hdr |= 0x80
	}
	if len(suffix) > 0 {
		hdr |= 0x40
	}
	if err := w.WriteByte(hdr); err != nil {
		return err
	}
	if common > 0 {
		if err := w.WriteCompressedInt(int32(common)); err != nil {
			return err
		}
	}
	if len(suffix) > 0 {
		if err := w.writeUnits(suffix); err != nil {
			return err
		}
	}
	w.last[slot] = cur
	return nil
}

// Flush sends everything buffered.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail(err)
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

// WriteError writes a remote error report.
// It is the daemon side of Reader.Expect.
func (w *Writer) WriteError(kind ErrorKind, msg string) error {
	code := IOError
	if kind == KindSQL {
		code = SQLError
	}
	if err := w.WriteByte(code); err != nil {
		return err
	}
	return w.WriteUTF(msg)
}
