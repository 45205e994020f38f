package core

import "math"

// MaxStringLength is the largest length any string value may reach.
const MaxStringLength = 512 * 1024 * 1024

// CheckLength refuses a prospective length above MaxStringLength. It runs
// before any allocation so a refused write leaves nothing half done.
func CheckLength(n int64) error {
	if n > MaxStringLength {
		return &Error{Kind: KindTooLarge, Required: n}
	}
	return nil
}

// WriteAt overwrites len(data) bytes of existing starting at offset, growing
// it with NUL bytes when offset lies past its end. existing may be nil for a
// missing key.
//
// The returned Value is the one the keyspace must hold afterwards: nil when
// nothing exists and nothing was written, existing itself when it was edited
// in place or left alone, or a fresh copy when existing was shared. written
// reports whether any byte changed hands, that is whether the key must be
// signaled as modified.
func WriteAt(existing *Value, offset int64, data []byte) (v *Value, length int, written bool, err error) {
	if offset < 0 {
		return nil, 0, false, newError(KindInvalidOffset)
	}
	if len(data) == 0 {
		if existing == nil {
			return nil, 0, false, nil
		}
		return existing, existing.Len(), false, nil
	}
	if offset > MaxStringLength-int64(len(data)) {
		required := int64(math.MaxInt64)
		if offset <= math.MaxInt64-int64(len(data)) {
			required = offset + int64(len(data))
		}
		return nil, 0, false, &Error{Kind: KindTooLarge, Required: required}
	}
	required := offset + int64(len(data))
	if existing == nil {
		v = newRawOwned(make([]byte, 0, required))
	} else {
		v = EnsureExclusive(existing)
	}
	v.writeAt(int(offset), data)
	return v, len(v.buf), true, nil
}

// Append adds data at the end of existing. A missing key gets a compact copy
// of data directly.
func Append(existing *Value, data []byte) (v *Value, length int, written bool, err error) {
	if existing == nil {
		if len(data) == 0 {
			return nil, 0, false, nil
		}
		if err := CheckLength(int64(len(data))); err != nil {
			return nil, 0, false, err
		}
		v = NewCompact(data)
		return v, v.Len(), true, nil
	}
	return WriteAt(existing, int64(existing.Len()), data)
}

// writeAt is the in-place edit under exclusive ownership.
func (v *Value) writeAt(offset int, data []byte) {
	end := offset + len(data)
	if end > len(v.buf) {
		old := len(v.buf)
		if end > cap(v.buf) {
			grown := make([]byte, end, growCap(end))
			copy(grown, v.buf)
			v.buf = grown
		} else {
			v.buf = v.buf[:end]
		}
		// The gap between the old end and offset, plus any recycled capacity,
		// must read back as NUL.
		clear(v.buf[old:end])
	}
	copy(v.buf[offset:], data)
}

// growCap doubles small buffers and adds 1MiB to large ones, clamped to the
// size ceiling.
func growCap(n int) int {
	c := n * 2
	if n >= 1<<20 {
		c = n + 1<<20
	}
	if c > MaxStringLength {
		c = MaxStringLength
	}
	if c < n {
		c = n
	}
	return c
}

// ReadRange returns the inclusive range [start, end] of v's canonical bytes.
// Negative indexes count from the end. The result is a fresh copy.
func ReadRange(v *Value, start, end int64) []byte {
	if v == nil {
		return []byte{}
	}
	n := int64(v.Len())
	if start < 0 && end < 0 && start > end {
		return []byte{}
	}
	if start < 0 {
		start = n + start
	}
	if end < 0 {
		end = n + end
	}
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	if end >= n {
		end = n - 1
	}
	if n == 0 || start > end {
		return []byte{}
	}
	src := v.Bytes()
	out := make([]byte, end-start+1)
	copy(out, src[start:end+1])
	return out
}
