package persistence

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	snapshotMagic   = "KKVSNAP"
	SnapshotVersion = 1
)

// ErrBadSnapshot reports a snapshot that cannot be trusted.
var ErrBadSnapshot = errors.New("invalid snapshot")

// SnapshotHeader opens every snapshot file.
type SnapshotHeader struct {
	Magic     string `msgpack:"magic"`
	Version   int    `msgpack:"version"`
	RunID     string `msgpack:"run_id"`
	CreatedAt int64  `msgpack:"created_at"`
}

// Record is one key of a snapshot. Exactly one of Int or Raw is meaningful,
// as selected by IntEncoded.
type Record struct {
	Key        string `msgpack:"k"`
	IntEncoded bool   `msgpack:"ie,omitempty"`
	Int        int64  `msgpack:"i,omitempty"`
	Raw        []byte `msgpack:"r,omitempty"`
	ExpireAt   int64  `msgpack:"x,omitempty"`
}

// SnapshotWriter streams a snapshot: header, records, end marker.
type SnapshotWriter struct {
	bw    *bufio.Writer
	fw    *FrameWriter
	count uint64
}

// NewSnapshotWriter writes the header to w.
func NewSnapshotWriter(w io.Writer, runID string, createdAt int64) (*SnapshotWriter, error) {
	bw := bufio.NewWriterSize(w, 256*1024)
	sw := &SnapshotWriter{bw: bw, fw: NewFrameWriter(bw)}
	hdr, err := msgpack.Marshal(&SnapshotHeader{
		Magic:     snapshotMagic,
		Version:   SnapshotVersion,
		RunID:     runID,
		CreatedAt: createdAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot header")
	}
	if err := sw.fw.WriteFrame(OpCodeHeader, hdr); err != nil {
		return nil, err
	}
	return sw, nil
}

// WriteRecord appends one key.
func (sw *SnapshotWriter) WriteRecord(rec *Record) error {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode snapshot record %q", rec.Key)
	}
	if err := sw.fw.WriteFrame(OpCodeRecord, payload); err != nil {
		return err
	}
	sw.count++
	return nil
}

// Close writes the end marker and flushes. It does not close the underlying
// writer.
func (sw *SnapshotWriter) Close() error {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], sw.count)
	if err := sw.fw.WriteFrame(OpCodeEnd, n[:]); err != nil {
		return err
	}
	return sw.bw.Flush()
}

// ReadSnapshot decodes a snapshot, handing each record to fn. A snapshot
// without its end marker, or whose record count disagrees with it, is
// rejected: fn may already have seen part of it.
func ReadSnapshot(r io.Reader, fn func(*Record) error) (*SnapshotHeader, error) {
	br := bufio.NewReaderSize(r, 256*1024)

	op, payload, err := ReadFrame(br)
	if err != nil {
		return nil, errors.Wrapf(ErrBadSnapshot, "header: %v", err)
	}
	if op != OpCodeHeader {
		return nil, errors.Wrapf(ErrBadSnapshot, "first frame has opcode %#x", op)
	}
	var hdr SnapshotHeader
	if err := msgpack.Unmarshal(payload, &hdr); err != nil {
		return nil, errors.Wrapf(ErrBadSnapshot, "header: %v", err)
	}
	if hdr.Magic != snapshotMagic || hdr.Version != SnapshotVersion {
		return nil, errors.Wrapf(ErrBadSnapshot, "magic %q version %d", hdr.Magic, hdr.Version)
	}

	var count uint64
	for {
		op, payload, err := ReadFrame(br)
		if err != nil {
			return nil, errors.Wrapf(ErrBadSnapshot, "after %d records: %v", count, err)
		}
		switch op {
		case OpCodeRecord:
			var rec Record
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, errors.Wrapf(ErrBadSnapshot, "record %d: %v", count, err)
			}
			if err := fn(&rec); err != nil {
				return nil, err
			}
			count++
		case OpCodeEnd:
			if len(payload) != 8 || binary.LittleEndian.Uint64(payload) != count {
				return nil, errors.Wrapf(ErrBadSnapshot, "end marker disagrees with %d records", count)
			}
			return &hdr, nil
		default:
			return nil, errors.Wrapf(ErrBadSnapshot, "unexpected opcode %#x", op)
		}
	}
}
