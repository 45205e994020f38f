// Package persistence implements the durable side of KektorKV: the
// Append-Only File (AOF) of RESP encoded commands, CRC protected frames and
// the snapshot format built on top of them.
package persistence

import (
	"bufio"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// AOFWriter appends encoded commands to the Append-Only File.
type AOFWriter struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	path    string
	written int64
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
}

// NewAOFWriter opens or creates the AOF at path.
func NewAOFWriter(path string) (*AOFWriter, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open AOF %s", path)
	}
	return &AOFWriter{
		file: file,
		buf:  bufio.NewWriterSize(file, 64*1024),
		path: path,
	}, nil
}

// Write buffers one encoded command.
func (a *AOFWriter) Write(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.buf.Write(data)
	a.written += int64(n)
	return err
}

// Written returns the number of bytes accepted since the writer was opened.
func (a *AOFWriter) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Flush hands buffered bytes to the operating system.
func (a *AOFWriter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Flush()
}

// Sync flushes and fsyncs the file.
func (a *AOFWriter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

// Close flushes, syncs and closes the file.
func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	if err := a.file.Sync(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// Truncate empties the file. Called once a snapshot has captured the state.
func (a *AOFWriter) Truncate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.Reset(a.file)
	if err := a.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate AOF")
	}
	_, err := a.file.Seek(0, 0)
	return err
}

// Size returns the current size of the file on disk, buffered bytes excluded.
func (a *AOFWriter) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Path returns the file path.
func (a *AOFWriter) Path() string { return a.path }

// ReplaceWith atomically renames newFilePath over the AOF and reopens it.
// Used at the end of an AOF rewrite.
func (a *AOFWriter) ReplaceWith(newFilePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_ = a.buf.Flush()
	_ = a.file.Close()

	if err := os.Rename(newFilePath, a.path); err != nil {
		return errors.Wrap(err, "replace AOF")
	}
	file, err := openAppend(a.path)
	if err != nil {
		return errors.Wrap(err, "reopen AOF after replace")
	}
	a.file = file
	a.buf.Reset(file)
	return nil
}
