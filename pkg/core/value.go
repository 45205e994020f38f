// Package core provides the String Value Engine of KektorKV.
//
// This file defines Value, the scalar string stored under a key. A Value is a
// closed two-variant type: either an integer (EncodingInt) or an owned byte
// buffer (EncodingRaw). Every read goes through Bytes, AppendTo or Len so that
// both encodings canonicalize the same way.
//
// A Value is reference counted. The keyspace holds one reference, and a reader
// that needs the value to outlive the command (a cached reply, for example)
// takes another with Retain. Only a raw Value with exactly one reference may be
// edited in place; see EnsureExclusive.
package core

import (
	"math"
	"strconv"
	"sync/atomic"
)

// Encoding identifies which variant a Value holds.
type Encoding uint8

const (
	// EncodingRaw stores the value as an owned byte buffer.
	EncodingRaw Encoding = iota
	// EncodingInt stores the value as a signed 64-bit integer whose canonical
	// decimal text is the logical content.
	EncodingInt
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingInt:
		return "int"
	default:
		return "unknown"
	}
}

// sharedRefs marks values from the shared integer pool. They are never freed
// and never counted.
const sharedRefs = math.MaxInt32

// SharedIntegers is the size of the pool of preallocated integer values
// 0..SharedIntegers-1 handed out by NewCompact and NewInt.
const SharedIntegers = 10000

var sharedInts [SharedIntegers]*Value

func init() {
	for i := range sharedInts {
		v := &Value{enc: EncodingInt, num: int64(i)}
		v.refs.Store(sharedRefs)
		sharedInts[i] = v
	}
}

// Value is a reference-counted scalar string.
type Value struct {
	enc  Encoding
	num  int64
	buf  []byte
	refs atomic.Int32
}

// Type reports the keyspace object type of a Value.
func (v *Value) Type() ObjectType { return TypeString }

// NewRaw returns a raw Value holding a copy of b with one reference.
func NewRaw(b []byte) *Value {
	buf := make([]byte, len(b))
	copy(buf, b)
	return newRawOwned(buf)
}

// newRawOwned wraps buf without copying it. The caller gives up buf.
func newRawOwned(buf []byte) *Value {
	v := &Value{enc: EncodingRaw, buf: buf}
	v.refs.Store(1)
	return v
}

// NewInt returns an integer Value. Small non-negative integers come from the
// shared pool.
func NewInt(n int64) *Value {
	if n >= 0 && n < SharedIntegers {
		return sharedInts[n]
	}
	v := &Value{enc: EncodingInt, num: n}
	v.refs.Store(1)
	return v
}

// NewCompact builds a Value from client supplied bytes. If b is exactly the
// canonical decimal text of an int64 the integer encoding is used, otherwise
// a raw copy of b.
func NewCompact(b []byte) *Value {
	if n, ok := parseCanonicalInt(b); ok {
		return NewInt(n)
	}
	return NewRaw(b)
}

// Encoding returns the variant held by v.
func (v *Value) Encoding() Encoding { return v.enc }

// Int returns the integer held by an EncodingInt value.
func (v *Value) Int() (int64, bool) {
	if v.enc != EncodingInt {
		return 0, false
	}
	return v.num, true
}

// Bytes returns the canonical bytes of v. For raw values the result aliases
// the internal buffer: it must not be modified, and must not be kept across a
// command that may edit v. Use AppendTo for a private copy.
func (v *Value) Bytes() []byte {
	if v.enc == EncodingInt {
		var tmp [20]byte
		return strconv.AppendInt(tmp[:0], v.num, 10)
	}
	return v.buf
}

// AppendTo appends the canonical bytes of v to dst.
func (v *Value) AppendTo(dst []byte) []byte {
	if v.enc == EncodingInt {
		return strconv.AppendInt(dst, v.num, 10)
	}
	return append(dst, v.buf...)
}

// String returns the canonical text of v.
func (v *Value) String() string {
	if v.enc == EncodingInt {
		return strconv.FormatInt(v.num, 10)
	}
	return string(v.buf)
}

// Len returns the logical length of v without materializing integer text.
func (v *Value) Len() int {
	if v.enc == EncodingInt {
		return digits10(v.num)
	}
	return len(v.buf)
}

// Retain adds a reference to v and returns it.
func (v *Value) Retain() *Value {
	if v.refs.Load() != sharedRefs {
		v.refs.Add(1)
	}
	return v
}

// Release drops a reference. When the last one goes the buffer is dropped.
func (v *Value) Release() {
	if v.refs.Load() == sharedRefs {
		return
	}
	n := v.refs.Add(-1)
	if n < 0 {
		panic("core: Release of a freed value")
	}
	if n == 0 {
		v.buf = nil
	}
}

// RefCount returns the number of holders of v. Shared pool values report
// math.MaxInt32.
func (v *Value) RefCount() int32 { return v.refs.Load() }

// Shared reports whether more than one holder references v, or v belongs to
// the shared integer pool.
func (v *Value) Shared() bool { return v.refs.Load() != 1 }

// digits10 counts the characters of the decimal text of n, sign included.
func digits10(n int64) int {
	if n == math.MinInt64 {
		return 20
	}
	d := 1
	if n < 0 {
		d++
		n = -n
	}
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

// parseCanonicalInt parses b only if it is the exact canonical text of an
// int64: no sign other than a leading '-', no leading zeros, no spaces, no "-0".
func parseCanonicalInt(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 20 {
		return 0, false
	}
	i := 0
	if b[0] == '-' {
		i = 1
		if len(b) == 1 {
			return 0, false
		}
	}
	if b[i] == '0' && len(b) > i+1 {
		return 0, false
	}
	if b[i] == '0' && i == 1 {
		return 0, false
	}
	var u uint64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if u > (math.MaxUint64-d)/10 {
			return 0, false
		}
		u = u*10 + d
	}
	if b[0] == '-' {
		if u > uint64(math.MaxInt64)+1 {
			return 0, false
		}
		return int64(-u), true
	}
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}
