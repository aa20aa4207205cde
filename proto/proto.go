// Package proto implements the wire protocol spoken between a replication client
// and a remote daemon.
//
// All multi-byte integers are big-endian.
// Compressed ints take one to four bytes:
// the top two bits of the first byte give the number of extra bytes,
// and the remaining 6+8n bits hold the value in two's complement.
// Strings are modified UTF-8 (as in Java's DataOutput) with a 16-bit length prefix.
// Compressed strings additionally share a prefix
// with the previous string written in the same slot.
package proto

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stream markers.
const (
	Done      byte = 0
	Next      byte = 1
	NextChunk byte = 2
	IOError   byte = 3
	SQLError  byte = 4
)

// Result is the remote daemon's verdict on one batch entry.
type Result byte

const (
	// NoChange means the remote copy is current.
	NoChange Result = iota

	// Modified means the remote updated metadata and needs no data.
	Modified

	// ModifiedRequestData means the remote wants the whole file.
	ModifiedRequestData

	// ModifiedRequestDataChunked means the remote will send chunk digests
	// and wants only the chunks that differ.
	ModifiedRequestDataChunked
)

// ParseResult decodes a result byte.
func ParseResult(b byte) (Result, error) {
	r := Result(b)
	switch r {
	case NoChange, Modified, ModifiedRequestData, ModifiedRequestDataChunked:
		return r, nil
	}
	return 0, &ProtocolError{What: "entry result", Code: b}
}

// Updated tells whether r counts as a change to the remote copy.
func (r Result) Updated() bool {
	return r != NoChange
}

func (r Result) String() string {
	switch r {
	case NoChange:
		return "no change"
	case Modified:
		return "modified"
	case ModifiedRequestData:
		return "modified, request data"
	case ModifiedRequestDataChunked:
		return "modified, request data chunked"
	}
	return fmt.Sprintf("result(%d)", byte(r))
}

// ErrorKind classifies a RemoteError.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindIO
	KindSQL
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "I/O"
	case KindSQL:
		return "SQL"
	}
	return "unknown"
}

// RemoteError is a failure reported by the remote daemon.
type RemoteError struct {
	Kind ErrorKind
	Code byte
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Msg)
}

// ProtocolError is an unexpected code in the stream.
type ProtocolError struct {
	What string
	Code byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected %s code %d", e.What, e.Code)
}

// KindOf maps an error code to its kind.
func KindOf(code byte) ErrorKind {
	switch code {
	case IOError:
		return KindIO
	case SQLError:
		return KindSQL
	}
	return KindUnknown
}

// Slots for compressed strings.
const (
	SlotPath    = 0
	SlotSymlink = 1
	MaxSlot     = 0x3f
	maxUTFBytes = 0xffff
)

var errCompressedIntRange = errors.New("compressed int out of range")
