package persistence

import (
	"bufio"
	"bytes"
	"io"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCommand(t *testing.T) {
	got := string(FormatCommand("SET", []byte("k"), []byte("v 1")))
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$3\r\nv 1\r\n"
	if got != want {
		t.Fatalf("FormatCommand() = %q, want %q", got, want)
	}
}

func TestParseCommandRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		cmd  string
		args [][]byte
	}{
		{"no args", "PING", [][]byte{}},
		{"binary", "SET", [][]byte{[]byte("key"), {0, '\r', '\n', 0xff}}},
		{"empty arg", "APPEND", [][]byte{[]byte("k"), {}}},
	}
	var stream bytes.Buffer
	for _, tc := range testCases {
		stream.Write(FormatCommand(tc.cmd, tc.args...))
	}
	r := bufio.NewReader(&stream)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ParseCommand(r)
			require.NoError(t, err)
			assert.Equal(t, tc.cmd, cmd.Name)
			if !reflect.DeepEqual(cmd.Args, tc.args) {
				t.Errorf("args = %q, want %q", cmd.Args, tc.args)
			}
		})
	}
	_, err := ParseCommand(r)
	assert.Equal(t, io.EOF, err)
}

func TestParseCommandLowercaseName(t *testing.T) {
	cmd, err := ParseCommand(bufio.NewReader(strings.NewReader("*1\r\n$4\r\nincr\r\n")))
	require.NoError(t, err)
	assert.Equal(t, "INCR", cmd.Name)
}

func TestParseCommandTruncated(t *testing.T) {
	full := FormatCommand("SET", []byte("key"), []byte("value"))
	for cut := 1; cut < len(full); cut++ {
		_, err := ParseCommand(bufio.NewReader(bytes.NewReader(full[:cut])))
		assert.Error(t, err, "cut at %d", cut)
		assert.NotEqual(t, io.EOF, err, "cut at %d", cut)
	}
}

func TestParseCommandMalformed(t *testing.T) {
	for _, in := range []string{
		"SET k v\r\n",
		"*0\r\n",
		"*1\r\n#3\r\nSET\r\n",
		"*1\r\n$3\r\nSETXX",
		"*x\r\n",
	} {
		_, err := ParseCommand(bufio.NewReader(strings.NewReader(in)))
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseCommandBounds(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "array length beyond int range", in: "*99999999999999999999\r\n", want: ErrMalformed},
		{name: "array length above limit", in: "*99999999999999\r\n", want: ErrMalformed},
		{name: "array length just above limit", in: "*" + strconv.Itoa(MaxCommandWords+1) + "\r\n", want: ErrMalformed},
		{name: "bulk length above limit", in: "*1\r\n$999999999999\r\n", want: ErrMalformed},
		{name: "header line too long", in: "*1" + strings.Repeat("0", 100) + "\r\n", want: ErrMalformed},
		{name: "header without newline", in: "*" + strings.Repeat("1", 8192), want: ErrMalformed},
		{name: "large bulk cut short", in: "*1\r\n$100000000\r\nabc", want: io.ErrUnexpectedEOF},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCommand(bufio.NewReader(strings.NewReader(tc.in)))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseCommandLargeBulk(t *testing.T) {
	value := bytes.Repeat([]byte("v"), eagerBulkLen+10)
	raw := FormatCommand("SET", []byte("k"), value)
	cmd, err := ParseCommand(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "SET", cmd.Name)
	assert.Equal(t, value, cmd.Args[1])
}
