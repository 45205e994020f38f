package protocol

import (
	"bufio"
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/sanonone/kektorkv/pkg/persistence"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected *Command
		hasError bool
	}{
		{
			name:     "simple PING",
			input:    "PING\r\n",
			expected: &Command{Name: "PING", Args: make([][]byte, 0)},
		},
		{
			name:  "lowercase SET",
			input: "set key value\r\n",
			expected: &Command{
				Name: "SET",
				Args: [][]byte{[]byte("key"), []byte("value")},
			},
		},
		{
			name:  "extra whitespace",
			input: "  SETRANGE   k\t5  abc \n",
			expected: &Command{
				Name: "SETRANGE",
				Args: [][]byte{[]byte("k"), []byte("5"), []byte("abc")},
			},
		},
		{
			name:     "empty",
			input:    "\r\n",
			hasError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := Parse(tc.input)
			if tc.hasError {
				if err == nil {
					t.Fatalf("expected an error, got %+v", cmd)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cmd, tc.expected) {
				t.Errorf("got %+v, want %+v", cmd, tc.expected)
			}
		})
	}
}

func TestReadCommandMixesInlineAndArrays(t *testing.T) {
	var in bytes.Buffer
	in.WriteString("PING\r\n\r\n")
	in.Write(persistence.FormatCommand("SET", []byte("k"), []byte("a b\r\nc")))
	in.WriteString("get k\n")

	r := bufio.NewReader(&in)
	want := []*Command{
		{Name: "PING", Args: [][]byte{}},
		{Name: "SET", Args: [][]byte{[]byte("k"), []byte("a b\r\nc")}},
		{Name: "GET", Args: [][]byte{[]byte("k")}},
	}
	for i, w := range want {
		got, err := ReadCommand(r)
		if err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		if got.Name != w.Name || len(got.Args) != len(w.Args) {
			t.Fatalf("command %d: got %+v, want %+v", i, got, w)
		}
		for j := range w.Args {
			if !bytes.Equal(got.Args[j], w.Args[j]) {
				t.Errorf("command %d arg %d: got %q, want %q", i, j, got.Args[j], w.Args[j])
			}
		}
	}
	if _, err := ReadCommand(r); err != io.EOF {
		t.Fatalf("expected io.EOF at the end, got %v", err)
	}
}

func TestReadCommandInlineTooLong(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("SET k " + strings.Repeat("x", maxInlineLen+1) + "\r\n"))
	if _, err := ReadCommand(r); err != ErrInlineTooLong {
		t.Fatalf("expected ErrInlineTooLong, got %v", err)
	}
}

func TestWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	w.WriteSimple("OK")
	w.WriteError("ERR syntax error")
	w.WriteInt(-2)
	w.WriteBulk([]byte("hi"))
	w.WriteNull()
	w.WriteArrayHeader(2)
	w.WriteBulk(nil)
	w.WriteNull()
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	want := "+OK\r\n-ERR syntax error\r\n:-2\r\n$2\r\nhi\r\n$-1\r\n*2\r\n$0\r\n\r\n$-1\r\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}
