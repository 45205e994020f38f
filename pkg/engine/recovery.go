package engine

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sanonone/kektorkv/pkg/core"
	"github.com/sanonone/kektorkv/pkg/persistence"
)

// loadSnapshot restores the .kdb file if there is one and returns the number
// of keys it held.
func (e *Engine) loadSnapshot() (int, error) {
	f, err := os.Open(e.snapPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "open snapshot")
	}
	defer f.Close()

	n := 0
	hdr, err := persistence.ReadSnapshot(f, func(rec *persistence.Record) error {
		var v *core.Value
		if rec.IntEncoded {
			v = core.NewInt(rec.Int)
		} else {
			v = core.NewRaw(rec.Raw)
		}
		e.ks.SetKey(rec.Key, v, false)
		if rec.ExpireAt != 0 {
			e.ks.SetExpiration(rec.Key, rec.ExpireAt)
		}
		n++
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "load snapshot %s", e.snapPath)
	}
	slog.Info("snapshot loaded", "path", e.snapPath, "keys", n, "written_by", hdr.RunID,
		"created_at", time.UnixMilli(hdr.CreatedAt).UTC().Format(time.RFC3339))
	return n, nil
}

// replayAOF re-executes every command of the AOF with propagation off. A
// torn final command, as left by a crash mid write, ends the replay and is
// cut from the file.
func (e *Engine) replayAOF() (int, error) {
	f, err := os.Open(e.aofPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	e.mu.Lock()
	e.replaying = true
	defer func() {
		e.replaying = false
		e.mu.Unlock()
	}()

	cr := &countingReader{r: f}
	r := bufio.NewReaderSize(cr, 256*1024)
	var valid int64
	n := 0
	for {
		cmd, err := persistence.ParseCommand(r)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			slog.Warn("AOF ends with an unreadable command, truncating the tail",
				"path", e.aofPath, "commands_applied", n, "valid_bytes", valid, "error", err)
			f.Close()
			if terr := os.Truncate(e.aofPath, valid); terr != nil {
				return n, errors.Wrap(terr, "truncate torn AOF tail")
			}
			return n, nil
		}
		valid = cr.n - int64(r.Buffered())
		if err := e.replayCommand(cmd); err != nil {
			logReplayFailure(cmd, err)
			continue
		}
		n++
	}
}

// countingReader counts the bytes read from r.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// replayCommand applies one AOF entry. Only the forms the engine propagates
// are accepted.
func (e *Engine) replayCommand(cmd *persistence.Command) error {
	c := newCommand(cmd.Name, cmd.Args...)
	args := cmd.Args
	need := func(n int) error {
		if len(args) != n {
			return errors.Wrapf(ErrSyntax, "%s takes %d arguments, got %d", cmd.Name, n, len(args))
		}
		return nil
	}

	switch cmd.Name {
	case "SET":
		if len(args) < 2 {
			return ErrSyntax
		}
		opts, err := ParseSetOptions(args[2:])
		if err != nil {
			return err
		}
		_, err = e.setGeneric(c, string(args[0]), args[1], opts)
		return err
	case "MSET":
		pairs, err := pairsFromArgs(args)
		if err != nil {
			return err
		}
		return e.msetGeneric(c, pairs, false)
	case "DEL":
		keys := make([]string, len(args))
		for i, a := range args {
			keys[i] = string(a)
		}
		e.delCmd(c, keys)
		return nil
	case "APPEND":
		if err := need(2); err != nil {
			return err
		}
		_, err := e.appendCmd(c, string(args[0]), args[1])
		return err
	case "SETRANGE":
		if err := need(3); err != nil {
			return err
		}
		off, err := core.ParseInt(args[1])
		if err != nil {
			return err
		}
		_, err = e.setRangeCmd(c, string(args[0]), off, args[2])
		return err
	case "INCR", "DECR":
		if err := need(1); err != nil {
			return err
		}
		delta := int64(1)
		if cmd.Name == "DECR" {
			delta = -1
		}
		_, err := e.incrByCmd(c, string(args[0]), delta)
		return err
	case "INCRBY", "DECRBY":
		if err := need(2); err != nil {
			return err
		}
		delta, err := core.ParseInt(args[1])
		if err != nil {
			return err
		}
		if cmd.Name == "DECRBY" {
			delta = -delta
		}
		_, err = e.incrByCmd(c, string(args[0]), delta)
		return err
	case "PEXPIREAT":
		if err := need(2); err != nil {
			return err
		}
		ms, err := core.ParseInt(args[1])
		if err != nil {
			return err
		}
		e.pexpireAt(c, string(args[0]), ms)
		return nil
	case "PERSIST":
		if err := need(1); err != nil {
			return err
		}
		e.persistCmd(c, string(args[0]))
		return nil
	}
	return errors.Newf("unknown AOF command %q", cmd.Name)
}

// ParseSetOptions reads the option tokens of SET, as found after the key and
// value in the AOF or on the wire.
func ParseSetOptions(tokens [][]byte) (SetOptions, error) {
	var opts SetOptions
	for i := 0; i < len(tokens); i++ {
		tok := upper(tokens[i])
		switch tok {
		case "NX":
			opts.NX = true
		case "XX":
			opts.XX = true
		case "GET":
			opts.Get = true
		case "KEEPTTL":
			opts.KeepTTL = true
		case "EX", "PX", "EXAT", "PXAT":
			if i+1 >= len(tokens) || opts.ExpireIn != 0 || !opts.ExpireAt.IsZero() {
				return opts, ErrSyntax
			}
			i++
			n, err := core.ParseInt(tokens[i])
			if err != nil {
				return opts, err
			}
			if n <= 0 {
				return opts, ErrInvalidExpire
			}
			switch tok {
			case "EX":
				opts.ExpireIn = time.Duration(n) * time.Second
			case "PX":
				opts.ExpireIn = time.Duration(n) * time.Millisecond
			case "EXAT":
				opts.ExpireAt = time.Unix(n, 0)
			case "PXAT":
				opts.ExpireAt = time.UnixMilli(n)
			}
		default:
			return opts, errors.Wrapf(ErrSyntax, "unknown SET option %q", tok)
		}
	}
	return opts, opts.validate()
}

// writeSnapshot streams the keyspace to w. Caller holds e.mu.
func (e *Engine) writeSnapshot(w io.Writer) error {
	sw, err := persistence.NewSnapshotWriter(w, e.runID, e.now().UnixMilli())
	if err != nil {
		return err
	}
	var werr error
	e.ks.ForEach(func(key string, obj core.Object, expireAt int64) bool {
		v, ok := obj.(*core.Value)
		if !ok {
			return true
		}
		rec := persistence.Record{Key: key, ExpireAt: expireAt}
		if n, isInt := v.Int(); isInt {
			rec.IntEncoded, rec.Int = true, n
		} else {
			rec.Raw = v.Bytes()
		}
		werr = sw.WriteRecord(&rec)
		return werr == nil
	})
	if werr != nil {
		return werr
	}
	return sw.Close()
}

// SaveSnapshot writes the keyspace to the .kdb file and truncates the AOF,
// whose content the snapshot now covers.
func (e *Engine) SaveSnapshot() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	tmp := e.snapPath + ".tmp"
	if err := writeFileAtomic(tmp, e.snapPath, e.writeSnapshot); err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	if err := e.aof.Truncate(); err != nil {
		return errors.Wrap(err, "truncate AOF after snapshot")
	}
	e.aofBaseSize.Store(0)
	e.savedDirty = e.ks.Dirty()
	e.lastSave = e.now()

	slog.Info("snapshot saved", "path", e.snapPath, "keys", e.ks.Len(), "duration", time.Since(start).String())
	return nil
}

// RewriteAOF replaces the AOF by the shortest command list that rebuilds the
// current keyspace.
func (e *Engine) RewriteAOF() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	tmp := filepath.Join(e.opts.DataDir, "rewrite.aof.tmp")
	defer os.Remove(tmp)

	err := writeFile(tmp, func(w io.Writer) error {
		var werr error
		e.ks.ForEach(func(key string, obj core.Object, expireAt int64) bool {
			v, ok := obj.(*core.Value)
			if !ok {
				return true
			}
			k := []byte(key)
			if _, werr = w.Write(persistence.FormatCommand("SET", k, v.Bytes())); werr != nil {
				return false
			}
			if expireAt != 0 {
				_, werr = w.Write(persistence.FormatCommand("PEXPIREAT", k, itoa(expireAt)))
			}
			return werr == nil
		})
		return werr
	})
	if err != nil {
		return errors.Wrap(err, "rewrite AOF")
	}
	if err := e.aof.ReplaceWith(tmp); err != nil {
		return err
	}
	size, _ := e.aof.Size()
	e.aofBaseSize.Store(size)
	slog.Info("AOF rewritten", "path", e.aofPath, "size", size, "keys", e.ks.Len())
	return nil
}

// writeFile creates path, streams fill into it through a buffer and fsyncs.
func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 256*1024)
	if err := fill(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFileAtomic writes tmp with fill and renames it over path.
func writeFileAtomic(tmp, path string, fill func(io.Writer) error) error {
	if err := writeFile(tmp, fill); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
