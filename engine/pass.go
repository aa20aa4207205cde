package engine

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/chunk"
	"github.com/bobg/bsync/proto"
	"github.com/bobg/bsync/throttle"
)

const (
	// maxID is the largest uid or gid the protocol can carry.
	maxID = 65535

	// rateRefresh is how long a looked-up bit rate is reused.
	rateRefresh = time.Second
)

// pass is the state of one pass.
// Its buffers belong to the pass and are reused from batch to batch.
type pass struct {
	e      *Engine
	ctx    context.Context
	logger *slog.Logger
	t      *bsync.Target

	rec     bsync.PassLogRecord
	missing []string

	batch []entry
	buf   []byte
}

type entry struct {
	path    string
	present bool
	info    bsync.FileInfo
	result  proto.Result
	set     *chunk.Set
}

// check is a cancellation checkpoint.
func (p *pass) check() error {
	if p.ctx.Err() != nil {
		return bsync.ErrAbandoned
	}
	return nil
}

func (p *pass) transfer() error {
	access, err := p.e.Registry.Access(p.ctx, p.t.ID)
	if err != nil {
		return errors.Wrap(err, "requesting daemon access")
	}
	var servers []bsync.DBServer
	if p.t.IsFailover() {
		servers, err = p.e.Env.DBServers(p.ctx, p.t)
		if err != nil {
			return errors.Wrap(err, "listing replicated database servers")
		}
	}
	src := p.t.SourceAddr
	if src == "" {
		src = p.e.Env.DefaultSourceAddr()
	}
	if err := p.check(); err != nil {
		return err
	}

	conn, err := p.e.Dialer.Dial(p.ctx, access, src)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", access.Addr)
	}
	defer conn.Close()

	// Closing the connection unblocks any read or write in progress.
	stop := context.AfterFunc(p.ctx, func() { conn.Close() })
	defer stop()

	if err := p.sendHeader(conn, access.Key, servers); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}

	var (
		cin  = &throttle.CountReader{R: conn}
		in   = proto.NewReader(cin)
		cout = &throttle.CountWriter{W: throttle.NewWriter(p.ctx, conn, p.rateProvider())}
	)
	defer func() {
		p.rec.Bytes = cout.Count() + cin.Count()
	}()

	if err := in.Expect(proto.Next, "pass ack"); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}

	var w io.Writer = cout
	if p.t.UseCompression {
		gz, err := gzip.NewWriterLevel(cout, gzip.DefaultCompression)
		if err != nil {
			return errors.Wrap(err, "creating gzip writer")
		}
		w = gz
	}
	out := proto.NewWriter(w)

	if err := p.batches(in, out); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}

	if err := out.WriteCompressedInt(-1); err != nil {
		return errors.Wrap(err, "sending end of transfer")
	}
	if err := out.Flush(); err != nil {
		return errors.Wrap(err, "sending end of transfer")
	}
	if err := p.check(); err != nil {
		return err
	}
	return in.Expect(proto.Done, "final ack")
}

func (p *pass) sendHeader(w io.Writer, key int64, servers []bsync.DBServer) error {
	hw := proto.NewWriter(w)
	hw.WriteLong(key)
	hw.WriteBool(p.t.UseCompression)
	hw.WriteShort(p.t.RetentionDays)
	year, month, day := p.rec.Start.Date()
	hw.WriteShort(int16(year))
	hw.WriteShort(int16(month))
	hw.WriteShort(int16(day))
	if p.t.IsFailover() {
		hw.WriteCompressedInt(int32(len(servers)))
		for _, s := range servers {
			hw.WriteUTF(s.Name)
			hw.WriteUTF(s.Version)
		}
	}
	return errors.Wrap(hw.Flush(), "sending pass header")
}

func (p *pass) rateProvider() throttle.RateProvider {
	return &throttle.Dynamic{
		Lookup: func() (int64, error) {
			cur, err := p.e.Registry.Target(p.ctx, p.t.ID)
			if err != nil {
				return 0, err
			}
			return cur.BitRate, nil
		},
		Fallback: p.t.BitRate,
		MaxAge:   rateRefresh,
		Logger:   p.logger,
	}
}

func (p *pass) batches(in *proto.Reader, out *proto.Writer) error {
	required, err := p.e.Env.RequiredPaths(p.ctx, p.t)
	if err != nil {
		return errors.Wrap(err, "getting required paths")
	}
	remaining := make(map[string]bool, len(required))
	for _, r := range required {
		remaining[trimSep(r)] = true
	}

	iter, err := p.e.Env.Filenames(p.ctx, p.t)
	if err != nil {
		return errors.Wrap(err, "starting filename sequence")
	}
	if c, ok := iter.(io.Closer); ok {
		defer c.Close()
	}

	size := p.e.Env.BatchSize(p.t)
	if size <= 0 {
		size = DefaultBatchSize
	}
	p.batch = make([]entry, 0, size)
	p.buf = chunk.Buffer()

	for {
		if err := p.check(); err != nil {
			return err
		}
		if err := p.fill(iter, remaining); err != nil {
			return err
		}
		if len(p.batch) == 0 {
			break
		}
		if err := p.sendBatch(in, out); err != nil {
			return err
		}
	}

	for _, r := range required {
		if remaining[trimSep(r)] {
			p.missing = append(p.missing, r)
			delete(remaining, trimSep(r))
		}
	}
	return nil
}

func trimSep(path string) string {
	if len(path) > 1 {
		return strings.TrimSuffix(path, string(os.PathSeparator))
	}
	return path
}

// fill reads the next batch of paths,
// checking each off the set of required paths.
func (p *pass) fill(iter bsync.FilenameIter, remaining map[string]bool) error {
	p.batch = p.batch[:0]
	for len(p.batch) < cap(p.batch) {
		path, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "getting next filename")
		}
		delete(remaining, trimSep(path))
		p.batch = append(p.batch, entry{path: path})
	}
	return nil
}

func (p *pass) sendBatch(in *proto.Reader, out *proto.Writer) error {
	if err := out.WriteCompressedInt(int32(len(p.batch))); err != nil {
		return errors.Wrap(err, "sending batch size")
	}
	for i := range p.batch {
		p.rec.Scanned++
		if err := p.writeEntry(out, &p.batch[i]); err != nil {
			return err
		}
	}
	if err := out.Flush(); err != nil {
		return errors.Wrap(err, "sending batch")
	}
	if err := p.check(); err != nil {
		return err
	}

	if err := in.Expect(proto.Next, "batch ack"); err != nil {
		return err
	}
	hasData := false
	for i := range p.batch {
		e := &p.batch[i]
		if !e.present {
			continue
		}
		if err := p.check(); err != nil {
			return err
		}
		res, err := in.ReadResult()
		if err != nil {
			return errors.Wrapf(err, "reading result for %s", e.path)
		}
		e.result = res
		switch res {
		case proto.ModifiedRequestData:
			hasData = true
		case proto.ModifiedRequestDataChunked:
			hasData = true
			if e.set, err = chunk.ReadSet(in); err != nil {
				return errors.Wrapf(err, "reading chunk digests for %s", e.path)
			}
		}
	}
	if err := p.check(); err != nil {
		return err
	}

	for i := range p.batch {
		if err := p.check(); err != nil {
			return err
		}
		e := &p.batch[i]
		if !e.present {
			continue
		}
		switch e.result {
		case proto.NoChange:
		case proto.Modified:
			p.rec.Updated++
		case proto.ModifiedRequestData:
			p.rec.Updated++
			if _, err := p.sendFile(out, e); err != nil {
				return err
			}
		case proto.ModifiedRequestDataChunked:
			st, err := p.sendFile(out, e)
			if err != nil {
				return err
			}
			if st.Changed(e.set) {
				p.rec.Updated++
			}
		}
	}
	if hasData {
		if err := p.check(); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return errors.Wrap(err, "sending file data")
		}
	}
	p.logger.Debug("batch complete", "entries", len(p.batch), "scanned", p.rec.Scanned, "updated", p.rec.Updated)
	return nil
}

// writeEntry sends the metadata of one path.
// A socket, or a path that vanished, is sent as absent.
// All attributes are gathered before anything is written.
func (p *pass) writeEntry(out *proto.Writer, e *entry) error {
	var (
		env    = p.e.Env
		info   bsync.FileInfo
		target string
		err    error
	)
	e.present, e.set = false, nil

	info, err = env.Stat(p.t, e.path)
	if err == nil && bsync.IsSymlink(info.Mode) {
		target, err = env.Readlink(p.t, e.path)
	}
	if errors.Is(err, fs.ErrNotExist) || (err == nil && bsync.IsSocket(info.Mode)) {
		return out.WriteBool(false)
	}
	if err != nil {
		p.logger.Error("getting attributes", "path", e.path, "err", err)
		return errors.Wrapf(err, "getting attributes of %s", e.path)
	}

	e.present = true
	e.info = info

	out.WriteBool(true)
	out.WriteCompressedUTF(env.ServerPath(p.t, e.path), proto.SlotPath)
	out.WriteLong(int64(info.Mode))
	if bsync.IsRegular(info.Mode) {
		out.WriteLong(info.Size)
	}
	out.WriteCompressedInt(p.clampID("uid", info.UID, e.path))
	out.WriteCompressedInt(p.clampID("gid", info.GID, e.path))
	if bsync.IsSymlink(info.Mode) {
		out.WriteCompressedUTF(target, proto.SlotSymlink)
	} else {
		out.WriteLong(info.ModTime.UnixMilli())
		if bsync.IsDevice(info.Mode) {
			out.WriteLong(info.Device)
		}
	}
	return errors.Wrapf(out.Err(), "sending attributes of %s", e.path)
}

func (p *pass) clampID(kind string, id int64, path string) int32 {
	if id < 0 || id > maxID {
		p.logger.Warn(kind+" out of range, sending 0", kind, id, "path", path)
		return 0
	}
	return int32(id)
}

// sendFile sends the data of one file,
// whole or as a delta according to its result.
// A file that vanished is sent as if empty.
func (p *pass) sendFile(out *proto.Writer, e *entry) (chunk.Stats, error) {
	if e.set == nil {
		// An empty file is not opened.
		info, err := p.e.Env.Stat(p.t, e.path)
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Debug("file vanished before sending", "path", e.path)
			return chunk.Stats{}, out.WriteByte(proto.Done)
		}
		if err != nil {
			return chunk.Stats{}, errors.Wrapf(err, "getting size of %s", e.path)
		}
		if info.Size == 0 {
			return chunk.Stats{}, out.WriteByte(proto.Done)
		}
	}
	f, err := p.e.Env.Open(p.t, e.path)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Debug("file vanished before sending", "path", e.path)
		return chunk.Stats{}, out.WriteByte(proto.Done)
	}
	if err != nil {
		return chunk.Stats{}, errors.Wrapf(err, "opening %s", e.path)
	}
	defer f.Close()

	var st chunk.Stats
	if e.set != nil {
		st, err = chunk.WriteDelta(p.ctx, out, f, e.set, p.buf)
	} else {
		st, err = chunk.WriteWhole(p.ctx, out, f, p.buf)
	}
	if p.ctx.Err() != nil {
		return st, bsync.ErrAbandoned
	}
	if err != nil {
		return st, errors.Wrapf(err, "sending %s", e.path)
	}
	if e.set != nil {
		p.logger.Debug("sent chunked file", "path", e.path, "sent", st.Sent, "chunks", st.Chunks)
	}
	return st, nil
}
