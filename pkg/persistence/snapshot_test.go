package persistence

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestSnapshot(t *testing.T, recs []Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	sw, err := NewSnapshotWriter(&buf, "run-1", 42)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, sw.WriteRecord(&recs[i]))
	}
	require.NoError(t, sw.Close())
	return buf.Bytes()
}

func TestSnapshotRoundTrip(t *testing.T) {
	recs := []Record{
		{Key: "int", IntEncoded: true, Int: -7},
		{Key: "raw", Raw: []byte{0, 1, 2}},
		{Key: "ttl", Raw: []byte("x"), ExpireAt: 1700000000000},
		{Key: "empty", Raw: []byte{}},
	}
	data := writeTestSnapshot(t, recs)

	var got []Record
	hdr, err := ReadSnapshot(bytes.NewReader(data), func(r *Record) error {
		got = append(got, *r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", hdr.RunID)
	assert.Equal(t, int64(42), hdr.CreatedAt)
	require.Len(t, got, len(recs))
	for i := range recs {
		assert.Equal(t, recs[i].Key, got[i].Key)
		assert.Equal(t, recs[i].IntEncoded, got[i].IntEncoded)
		assert.Equal(t, recs[i].Int, got[i].Int)
		assert.Equal(t, string(recs[i].Raw), string(got[i].Raw))
		assert.Equal(t, recs[i].ExpireAt, got[i].ExpireAt)
	}
}

func TestSnapshotRejectsTruncation(t *testing.T) {
	data := writeTestSnapshot(t, []Record{{Key: "a", Raw: []byte("1")}, {Key: "b", Raw: []byte("2")}})
	// Dropping the end marker must not yield a partial but "valid" snapshot.
	_, err := ReadSnapshot(bytes.NewReader(data[:len(data)-(HeaderSize+8)]), func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrBadSnapshot)

	_, err = ReadSnapshot(bytes.NewReader([]byte("garbage")), func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrBadSnapshot)
}
