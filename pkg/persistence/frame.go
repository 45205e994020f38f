package persistence

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
)

// Frame layout: [Magic(1)][OpCode(1)][Length(4)][CRC32(4)][Payload(N)], little
// endian, CRC over the payload only.
const (
	MagicByte  = 0xA5
	HeaderSize = 10

	// OpCodeHeader carries the snapshot header.
	OpCodeHeader = 0x01
	// OpCodeRecord carries one key.
	OpCodeRecord = 0x02
	// OpCodeEnd closes a snapshot; its payload is the record count.
	OpCodeEnd = 0x03
)

var (
	ErrInvalidMagic     = errors.New("invalid frame magic byte")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
	ErrFrameTooLarge    = errors.New("frame payload too large")
)

// maxFramePayload bounds what ReadFrame allocates for one payload.
const maxFramePayload = 1 << 30

// FrameWriter writes CRC protected frames to w. Wrap files in a bufio.Writer
// so the header and payload reach the OS in one write.
type FrameWriter struct {
	w   io.Writer
	hdr [HeaderSize]byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload under op.
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	fw.hdr[0] = MagicByte
	fw.hdr[1] = op
	binary.LittleEndian.PutUint32(fw.hdr[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(fw.hdr[6:10], crc32.ChecksumIEEE(payload))
	if _, err := fw.w.Write(fw.hdr[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// ReadFrame reads and verifies the next frame. It returns io.EOF only when
// the input ends exactly on a frame boundary.
func ReadFrame(r io.Reader) (op byte, payload []byte, err error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrIncompleteFrame
	}
	if hdr[0] != MagicByte {
		return 0, nil, ErrInvalidMagic
	}
	length := binary.LittleEndian.Uint32(hdr[2:6])
	if length > maxFramePayload {
		return 0, nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", length)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[6:10]) {
		return 0, nil, ErrChecksumMismatch
	}
	return hdr[1], payload, nil
}
