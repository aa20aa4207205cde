package testutil

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/chunk"
	"github.com/bobg/bsync/proto"
)

// File is a remote daemon's copy of one path.
type File struct {
	Mode    uint64
	Size    int64
	UID     int32
	GID     int32
	ModTime int64
	Target  string
	Device  int64
	Data    []byte
}

// Header is a pass header as received.
type Header struct {
	Key         int64
	Compression bool
	Retention   int16
	Year        int16
	Month       int16
	Day         int16
	DBServers   []bsync.DBServer
}

// Entry is what the daemon did with one path in one pass.
type Entry struct {
	Path   string
	Result proto.Result

	// Data counts what was received for the path:
	// Sent is data blocks, Skipped is NextChunk markers, Bytes is literal bytes.
	Data chunk.Stats
}

// Pass is what the daemon saw of one pass.
type Pass struct {
	Header    Header
	Batches   []int
	Entries   []Entry
	Absent    int
	Completed bool
}

// Daemon is an in-memory remote daemon speaking the replication protocol.
type Daemon struct {
	// Key, if non-zero, is the only access key accepted.
	Key int64

	// Reject, if set, is sent in place of the pass ack.
	Reject *proto.RemoteError

	// Verify requests chunk digests for every existing regular file with content,
	// even when its metadata is unchanged,
	// provided the pass uses compression.
	Verify bool

	// OnBatch, if set, is called after each batch is read,
	// with the zero-based batch number.
	OnBatch func(int)

	mu     sync.Mutex
	files  map[string]*File
	passes []Pass
}

// NewDaemon produces a Daemon with no files.
func NewDaemon() *Daemon {
	return &Daemon{files: make(map[string]*File)}
}

// SetFile stores a file on the daemon.
func (d *Daemon) SetFile(path string, f File) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = &f
}

// File gets a copy of a stored file.
func (d *Daemon) File(path string) (File, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[path]
	if !ok {
		return File{}, false
	}
	return *f, true
}

// Paths lists the stored paths in order.
func (d *Daemon) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []string
	for p := range d.files {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// Passes lists the passes served so far.
func (d *Daemon) Passes() []Pass {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Pass(nil), d.passes...)
}

type incoming struct {
	path string
	File
}

// Serve speaks the daemon side of one pass on conn.
// The pass is recorded when Serve returns, however it ends.
func (d *Daemon) Serve(conn io.ReadWriter) (err error) {
	var (
		p   Pass
		br  = bufio.NewReader(conn)
		in  = proto.NewReader(br)
		out = proto.NewWriter(conn)
	)
	defer func() {
		d.mu.Lock()
		d.passes = append(d.passes, p)
		d.mu.Unlock()
	}()

	if p.Header, err = readHeader(in); err != nil {
		return errors.Wrap(err, "reading header")
	}
	if d.Key != 0 && p.Header.Key != d.Key {
		out.WriteError(proto.KindIO, "access key rejected")
		return out.Flush()
	}
	if d.Reject != nil {
		out.WriteError(d.Reject.Kind, d.Reject.Msg)
		return out.Flush()
	}
	out.WriteByte(proto.Next)
	if err := out.Flush(); err != nil {
		return err
	}

	if p.Header.Compression {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return errors.Wrap(err, "starting gzip reader")
		}
		in = proto.NewReader(gz)
	}

	for batch := 0; ; batch++ {
		n, err := in.ReadCompressedInt()
		if err != nil {
			return errors.Wrap(err, "reading batch size")
		}
		if n == -1 {
			p.Completed = true
			out.WriteByte(proto.Done)
			return out.Flush()
		}
		p.Batches = append(p.Batches, int(n))

		var entries []incoming
		for i := int32(0); i < n; i++ {
			present, err := in.ReadBool()
			if err != nil {
				return err
			}
			if !present {
				p.Absent++
				continue
			}
			e, err := readEntry(in)
			if err != nil {
				return errors.Wrapf(err, "reading entry %d of batch %d", i, batch)
			}
			entries = append(entries, e)
		}
		if d.OnBatch != nil {
			d.OnBatch(batch)
		}

		if err := d.answer(&p, in, out, entries); err != nil {
			return err
		}
	}
}

func (d *Daemon) answer(p *Pass, in *proto.Reader, out *proto.Writer, entries []incoming) error {
	type pending struct {
		idx  int
		have []byte
		set  *chunk.Set
	}
	var todo []pending

	out.WriteByte(proto.Next)
	for _, e := range entries {
		res, have := d.decide(e, p.Header.Compression)
		out.WriteByte(byte(res))
		switch res {
		case proto.ModifiedRequestData:
			todo = append(todo, pending{idx: len(p.Entries)})
		case proto.ModifiedRequestDataChunked:
			set, err := chunk.SetOf(bytes.NewReader(have))
			if err != nil {
				return err
			}
			chunk.WriteSet(out, set)
			todo = append(todo, pending{idx: len(p.Entries), have: have, set: set})
		}
		p.Entries = append(p.Entries, Entry{Path: e.path, Result: res})
		if res != proto.NoChange {
			d.store(e)
		}
	}
	if err := out.Flush(); err != nil {
		return err
	}

	for _, t := range todo {
		buf := new(bytes.Buffer)
		st, err := chunk.Receive(in, buf, bytes.NewReader(t.have), t.set)
		if err != nil {
			return errors.Wrapf(err, "receiving %s", p.Entries[t.idx].Path)
		}
		p.Entries[t.idx].Data = st

		d.mu.Lock()
		d.files[p.Entries[t.idx].Path].Data = buf.Bytes()
		d.mu.Unlock()
	}
	return nil
}

func (d *Daemon) decide(e incoming, compression bool) (proto.Result, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	have, ok := d.files[e.path]
	if !ok {
		if bsync.IsRegular(e.Mode) {
			return proto.ModifiedRequestData, nil
		}
		return proto.Modified, nil
	}
	if bsync.IsRegular(e.Mode) {
		contentChanged := have.Size != e.Size || have.ModTime != e.ModTime || !bsync.IsRegular(have.Mode)
		if contentChanged || (d.Verify && compression && len(have.Data) > 0) {
			if compression && len(have.Data) > 0 {
				return proto.ModifiedRequestDataChunked, have.Data
			}
			return proto.ModifiedRequestData, nil
		}
	}
	if have.Mode != e.Mode || have.UID != e.UID || have.GID != e.GID || have.ModTime != e.ModTime || have.Target != e.Target || have.Device != e.Device {
		return proto.Modified, nil
	}
	return proto.NoChange, nil
}

// store records e's metadata, keeping any existing data.
func (d *Daemon) store(e incoming) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := e.File
	if have, ok := d.files[e.path]; ok {
		f.Data = have.Data
	}
	d.files[e.path] = &f
}

func readHeader(in *proto.Reader) (h Header, err error) {
	if h.Key, err = in.ReadLong(); err != nil {
		return h, err
	}
	if h.Compression, err = in.ReadBool(); err != nil {
		return h, err
	}
	if h.Retention, err = in.ReadShort(); err != nil {
		return h, err
	}
	if h.Year, err = in.ReadShort(); err != nil {
		return h, err
	}
	if h.Month, err = in.ReadShort(); err != nil {
		return h, err
	}
	if h.Day, err = in.ReadShort(); err != nil {
		return h, err
	}
	if h.Retention != 1 {
		return h, nil
	}
	n, err := in.ReadCompressedInt()
	if err != nil {
		return h, err
	}
	for i := int32(0); i < n; i++ {
		var s bsync.DBServer
		if s.Name, err = in.ReadUTF(); err != nil {
			return h, err
		}
		if s.Version, err = in.ReadUTF(); err != nil {
			return h, err
		}
		h.DBServers = append(h.DBServers, s)
	}
	return h, nil
}

func readEntry(in *proto.Reader) (e incoming, err error) {
	if e.path, err = in.ReadCompressedUTF(); err != nil {
		return e, err
	}
	mode, err := in.ReadLong()
	if err != nil {
		return e, err
	}
	e.Mode = uint64(mode)
	if bsync.IsRegular(e.Mode) {
		if e.Size, err = in.ReadLong(); err != nil {
			return e, err
		}
	}
	if e.UID, err = in.ReadCompressedInt(); err != nil {
		return e, err
	}
	if e.GID, err = in.ReadCompressedInt(); err != nil {
		return e, err
	}
	if bsync.IsSymlink(e.Mode) {
		e.Target, err = in.ReadCompressedUTF()
		return e, err
	}
	if e.ModTime, err = in.ReadLong(); err != nil {
		return e, err
	}
	if bsync.IsDevice(e.Mode) {
		e.Device, err = in.ReadLong()
	}
	return e, err
}

// Dialer connects to a Daemon over in-memory pipes.
type Dialer struct {
	D *Daemon

	// Err, if set, is returned by Dial.
	Err error

	mu      sync.Mutex
	open    int
	dials   []bsync.Access
	sources []string
	errs    []error
	wg      sync.WaitGroup
}

var _ bsync.Dialer = &Dialer{}

func (dl *Dialer) Dial(_ context.Context, access bsync.Access, src string) (io.ReadWriteCloser, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.dials = append(dl.dials, access)
	dl.sources = append(dl.sources, src)
	if dl.Err != nil {
		return nil, dl.Err
	}

	client, server := net.Pipe()
	dl.open++
	dl.wg.Add(1)
	go func() {
		defer dl.wg.Done()
		defer server.Close()
		err := dl.D.Serve(server)
		dl.mu.Lock()
		dl.errs = append(dl.errs, err)
		dl.mu.Unlock()
	}()
	return &trackedConn{Conn: client, dl: dl}, nil
}

// Open is the number of client connections not yet closed.
func (dl *Dialer) Open() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.open
}

// Sources lists the source addresses of all dials.
func (dl *Dialer) Sources() []string {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return append([]string(nil), dl.sources...)
}

// Wait waits for every served pass to end
// and returns the errors with which they ended.
func (dl *Dialer) Wait() []error {
	dl.wg.Wait()
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return append([]error(nil), dl.errs...)
}

type trackedConn struct {
	net.Conn
	dl   *Dialer
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.dl.mu.Lock()
		c.dl.open--
		c.dl.mu.Unlock()
	})
	return c.Conn.Close()
}
