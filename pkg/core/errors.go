package core

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failed string operation. Every failure is local to one
// command and leaves the keyspace unchanged.
type Kind uint8

const (
	KindNotAnInteger Kind = iota + 1
	KindNotAFloat
	KindOverflow
	KindFloatOverflow
	KindInvalidOffset
	KindTooLarge
	KindTypeMismatch
)

// Sentinels for errors.Is. An *Error of a given Kind matches its sentinel.
var (
	ErrNotAnInteger  = errors.New("value is not an integer or out of range")
	ErrNotAFloat     = errors.New("value is not a valid float")
	ErrOverflow      = errors.New("increment or decrement would overflow")
	ErrFloatOverflow = errors.New("increment would produce NaN or Infinity")
	ErrInvalidOffset = errors.New("offset is out of range")
	ErrTooLarge      = errors.New("string exceeds maximum allowed size")
	ErrTypeMismatch  = errors.New("operation against a key holding the wrong kind of value")
)

var kindSentinels = map[Kind]error{
	KindNotAnInteger:  ErrNotAnInteger,
	KindNotAFloat:     ErrNotAFloat,
	KindOverflow:      ErrOverflow,
	KindFloatOverflow: ErrFloatOverflow,
	KindInvalidOffset: ErrInvalidOffset,
	KindTooLarge:      ErrTooLarge,
	KindTypeMismatch:  ErrTypeMismatch,
}

// Error is the typed failure returned by the string operators.
type Error struct {
	Kind Kind
	// Required is the prospective length that was refused, set for KindTooLarge.
	Required int64
}

func (e *Error) Error() string {
	msg := kindSentinels[e.Kind].Error()
	if e.Kind == KindTooLarge {
		return fmt.Sprintf("%s (%d bytes requested, limit %d)", msg, e.Required, MaxStringLength)
	}
	return msg
}

// Is lets errors.Is match an *Error against the kind sentinels.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(k Kind) *Error { return &Error{Kind: k} }

// KindOf extracts the Kind of err, or 0 if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return 0
}
