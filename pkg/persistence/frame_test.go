package persistence

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAA}, 4096)}
	for i, p := range payloads {
		if err := fw.WriteFrame(byte(i+1), p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bytes.NewReader(buf.Bytes())
	for i, want := range payloads {
		op, got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if op != byte(i+1) {
			t.Errorf("frame %d op = %d", i, op)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d payload mismatch", i)
		}
	}
	if _, _, err := ReadFrame(r); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestFrameCorruption(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(OpCodeRecord, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	flipped := append([]byte(nil), good...)
	flipped[len(flipped)-1] ^= 0xFF
	if _, _, err := ReadFrame(bytes.NewReader(flipped)); err != ErrChecksumMismatch {
		t.Errorf("flipped payload: got %v", err)
	}

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0
	if _, _, err := ReadFrame(bytes.NewReader(badMagic)); err != ErrInvalidMagic {
		t.Errorf("bad magic: got %v", err)
	}

	if _, _, err := ReadFrame(bytes.NewReader(good[:len(good)-2])); err != ErrIncompleteFrame {
		t.Errorf("short payload: got %v", err)
	}
	if _, _, err := ReadFrame(bytes.NewReader(good[:4])); err != ErrIncompleteFrame {
		t.Errorf("short header: got %v", err)
	}
}
