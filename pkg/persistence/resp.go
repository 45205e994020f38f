package persistence

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Command is one decoded AOF entry.
type Command struct {
	// Name is the upper-cased command name, e.g. "SET".
	Name string
	// Args are binary safe; any byte sequence round-trips.
	Args [][]byte
}

// ErrMalformed reports input that is not a well formed RESP array of bulk
// strings.
var ErrMalformed = errors.New("malformed RESP command")

// MaxCommandWords bounds the number of words, name included, of one command.
// Longer commands are refused on input so every propagated command can be
// read back.
const MaxCommandWords = 1024 * 1024

const (
	// maxBulkLen bounds a single argument.
	maxBulkLen = 512*1024*1024 + 1024
	// maxHeaderLen bounds a "*<n>" or "$<n>" line, CRLF included.
	maxHeaderLen = 32
	// eagerBulkLen is the largest bulk allocated before its bytes arrive.
	eagerBulkLen = 64 * 1024
)

// FormatCommand encodes name and args as a RESP array of bulk strings.
func FormatCommand(name string, args ...[]byte) []byte {
	size := 16 + len(name)
	for _, a := range args {
		size += len(a) + 16
	}
	b := make([]byte, 0, size)
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(1+len(args)), 10)
	b = append(b, '\r', '\n')
	b = appendBulk(b, []byte(name))
	for _, a := range args {
		b = appendBulk(b, a)
	}
	return b
}

func appendBulk(b, data []byte) []byte {
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(data)), 10)
	b = append(b, '\r', '\n')
	b = append(b, data...)
	return append(b, '\r', '\n')
}

// ParseCommand reads the next command from r. It returns io.EOF at a clean
// end of input and io.ErrUnexpectedEOF when the input stops mid command.
func ParseCommand(r *bufio.Reader) (*Command, error) {
	n, err := readHeader(r, '*', true)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > MaxCommandWords {
		return nil, errors.Wrapf(ErrMalformed, "array length %d", n)
	}

	args := make([][]byte, 0, min(n, 1024))
	for range n {
		l, err := readHeader(r, '$', false)
		if err != nil {
			return nil, err
		}
		if l < 0 || l > maxBulkLen {
			return nil, errors.Wrapf(ErrMalformed, "bulk length %d", l)
		}
		data, err := readBulk(r, l)
		if err != nil {
			return nil, err
		}
		args = append(args, data)
	}
	return &Command{
		Name: strings.ToUpper(string(args[0])),
		Args: args[1:],
	}, nil
}

// readBulk reads l bytes and the CRLF after them. Large payloads grow with
// the bytes actually received instead of trusting the announced length.
func readBulk(r *bufio.Reader, l int) ([]byte, error) {
	var data []byte
	if l <= eagerBulkLen {
		data = make([]byte, l+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
	} else {
		var err error
		data, err = io.ReadAll(io.LimitReader(r, int64(l)+2))
		if err != nil {
			return nil, err
		}
		if len(data) != l+2 {
			return nil, io.ErrUnexpectedEOF
		}
	}
	if data[l] != '\r' || data[l+1] != '\n' {
		return nil, errors.Wrap(ErrMalformed, "bulk not terminated by CRLF")
	}
	return data[:l:l], nil
}

// readHeader reads a "<prefix><int>\r\n" line. first marks the start of a
// command, where a bare EOF is a clean end.
func readHeader(r *bufio.Reader, prefix byte, first bool) (int, error) {
	raw, err := r.ReadSlice('\n')
	if len(raw) > maxHeaderLen || err == bufio.ErrBufferFull {
		return 0, errors.Wrap(ErrMalformed, "header line too long")
	}
	if err != nil {
		if err == io.EOF && first && len(raw) == 0 {
			return 0, io.EOF
		}
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	line := strings.TrimRight(string(raw), "\r\n")
	if len(line) < 2 || line[0] != prefix {
		return 0, errors.Wrapf(ErrMalformed, "expected %q header, got %q", prefix, line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "bad length %q", line[1:])
	}
	return n, nil
}
