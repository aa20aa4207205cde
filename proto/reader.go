package proto

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Reader decodes protocol values from a stream.
type Reader struct {
	br   *bufio.Reader
	last [MaxSlot + 1][]uint16
	buf  [8]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Read reads raw bytes.
func (r *Reader) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

// ReadByte reads one byte.
// A clean end of stream is reported as io.ErrUnexpectedEOF,
// since every exchange in the protocol expects a reply.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return b, err
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *Reader) ReadShort() (int16, error) {
	if _, err := io.ReadFull(r.br, r.buf[:2]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(r.buf[:2])), nil
}

func (r *Reader) ReadLong() (int64, error) {
	if _, err := io.ReadFull(r.br, r.buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(r.buf[:])), nil
}

func (r *Reader) ReadCompressedInt() (int32, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	extra := int(b0 >> 6)
	v := uint32(b0 & 0x3f)
	if extra > 0 {
		if _, err := io.ReadFull(r.br, r.buf[:extra]); err != nil {
			return 0, err
		}
		for _, b := range r.buf[:extra] {
			v = v<<8 | uint32(b)
		}
	}
	bits := uint(6 + 8*extra)
	if v&(1<<(bits-1)) != 0 {
		return int32(v) - int32(1<<bits), nil
	}
	return int32(v), nil
}

// ReadUTF reads a string written by Writer.WriteUTF.
func (r *Reader) ReadUTF() (string, error) {
	u, err := r.readUnits()
	if err != nil {
		return "", err
	}
	return fromUnits(u), nil
}

func (r *Reader) readUnits() ([]uint16, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	b := make([]byte, uint16(n))
	if _, err := io.ReadFull(r.br, b); err != nil {
		return nil, err
	}
	return decodeModified(b)
}

// ReadCompressedUTF reads a string written by Writer.WriteCompressedUTF.
func (r *Reader) ReadCompressedUTF() (string, error) {
	hdr, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	slot := int(hdr & 0x3f)
	last := r.last[slot]

	var common int32
	if hdr&0x80 != 0 {
		common, err = r.ReadCompressedInt()
		if err != nil {
			return "", err
		}
		if common < 0 || int(common) > len(last) {
			return "", errors.Errorf("prefix length %d invalid for slot %d", common, slot)
		}
	}
	var suffix []uint16
	if hdr&0x40 != 0 {
		suffix, err = r.readUnits()
		if err != nil {
			return "", err
		}
	}
	cur := make([]uint16, 0, int(common)+len(suffix))
	cur = append(cur, last[:common]...)
	cur = append(cur, suffix...)
	r.last[slot] = cur
	return fromUnits(cur), nil
}

// ReadResult reads one batch entry result.
func (r *Reader) ReadResult() (Result, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return ParseResult(b)
}

// Expect reads a marker byte and returns nil if it is want.
// An error code is decoded into a *RemoteError,
// anything else into a *ProtocolError.
func (r *Reader) Expect(want byte, what string) error {
	code, err := r.ReadByte()
	if err != nil {
		return errors.Wrapf(err, "reading %s", what)
	}
	if code == want {
		return nil
	}
	return r.remoteError(code, what)
}

func (r *Reader) remoteError(code byte, what string) error {
	kind := KindOf(code)
	if kind == KindUnknown {
		return &ProtocolError{What: what, Code: code}
	}
	msg, err := r.ReadUTF()
	if err != nil {
		return errors.Wrapf(err, "reading %s error message", what)
	}
	return &RemoteError{Kind: kind, Code: code, Msg: msg}
}
