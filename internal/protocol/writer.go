package protocol

import (
	"bufio"
	"io"
	"strconv"
)

// Writer buffers RESP2 replies. Call Flush to send them.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 16*1024)}
}

// WriteSimple writes a status reply such as +OK.
func (w *Writer) WriteSimple(s string) {
	w.bw.WriteByte('+')
	w.bw.WriteString(s)
	w.bw.WriteString("\r\n")
}

// WriteError writes an error reply. msg starts with the error code, as in
// "ERR syntax error" or "WRONGTYPE ...".
func (w *Writer) WriteError(msg string) {
	w.bw.WriteByte('-')
	w.bw.WriteString(msg)
	w.bw.WriteString("\r\n")
}

// WriteInt writes an integer reply.
func (w *Writer) WriteInt(n int64) {
	w.bw.WriteByte(':')
	w.bw.Write(strconv.AppendInt(nil, n, 10))
	w.bw.WriteString("\r\n")
}

// WriteBulk writes a bulk string reply.
func (w *Writer) WriteBulk(b []byte) {
	w.bw.WriteByte('$')
	w.bw.Write(strconv.AppendInt(nil, int64(len(b)), 10))
	w.bw.WriteString("\r\n")
	w.bw.Write(b)
	w.bw.WriteString("\r\n")
}

// WriteNull writes the null bulk string.
func (w *Writer) WriteNull() {
	w.bw.WriteString("$-1\r\n")
}

// WriteArrayHeader starts an array of n elements.
func (w *Writer) WriteArrayHeader(n int) {
	w.bw.WriteByte('*')
	w.bw.Write(strconv.AppendInt(nil, int64(n), 10))
	w.bw.WriteString("\r\n")
}

// Flush sends the buffered replies.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}
