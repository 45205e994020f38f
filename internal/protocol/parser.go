// Package protocol reads client requests and writes replies in the Redis
// serialization protocol (RESP2). Requests may be RESP arrays of bulk
// strings, as sent by client libraries, or inline space separated lines, as
// typed into a terminal.
package protocol

import (
	"bufio"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/sanonone/kektorkv/pkg/persistence"
)

// maxInlineLen bounds an inline request line.
const maxInlineLen = 64 * 1024

// ErrInlineTooLong reports an inline request over maxInlineLen.
var ErrInlineTooLong = errors.New("inline request too long")

// Command is a parsed client request.
type Command struct {
	Name string   // "SET", "GET", ... upper-cased
	Args [][]byte // binary safe
}

// Parse splits an inline request on whitespace.
func Parse(raw string) (*Command, error) {
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := &Command{
		Name: strings.ToUpper(parts[0]),
		Args: make([][]byte, 0, len(parts)-1),
	}
	for _, arg := range parts[1:] {
		cmd.Args = append(cmd.Args, []byte(arg))
	}
	return cmd, nil
}

// ReadCommand reads the next request from r. Blank inline lines are skipped.
// It returns io.EOF once the peer closed the connection between requests.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] == '*' {
			c, err := persistence.ParseCommand(r)
			if err != nil {
				return nil, err
			}
			return &Command{Name: c.Name, Args: c.Args}, nil
		}

		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		return Parse(line)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxInlineLen {
			return "", ErrInlineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return sb.String(), nil
	}
}
