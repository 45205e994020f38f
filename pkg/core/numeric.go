package core

import (
	"math"

	"github.com/cockroachdb/apd/v3"
)

// ParseInt parses a command argument as a canonical int64.
func ParseInt(b []byte) (int64, error) {
	n, ok := parseCanonicalInt(b)
	if !ok {
		return 0, newError(KindNotAnInteger)
	}
	return n, nil
}

// valueInt reads the integer held by v, whatever its encoding.
func valueInt(v *Value) (int64, error) {
	if n, ok := v.Int(); ok {
		return n, nil
	}
	return ParseInt(v.buf)
}

// ApplyDelta returns current+delta where current is the integer held by
// existing, or 0 if existing is nil. It never touches existing: the caller
// installs NewInt of the result.
func ApplyDelta(existing *Value, delta int64) (int64, error) {
	var cur int64
	if existing != nil {
		n, err := valueInt(existing)
		if err != nil {
			return 0, err
		}
		cur = n
	}
	if (delta < 0 && cur < 0 && delta < math.MinInt64-cur) ||
		(delta > 0 && cur > 0 && delta > math.MaxInt64-cur) {
		return 0, newError(KindOverflow)
	}
	return cur + delta, nil
}

// maxFloatChars bounds the text accepted as a float argument or value.
const maxFloatChars = 5 * 1024

// floatCtx approximates an x87 80-bit long double: 19 significant digits and
// its exponent range. Decimal arithmetic makes the result independent of the
// host floating point unit.
var floatCtx = apd.Context{
	Precision:   19,
	MaxExponent: 4932,
	MinExponent: -4951,
	Rounding:    apd.RoundHalfEven,
	Traps:       apd.Overflow | apd.InvalidOperation | apd.SystemOverflow | apd.SystemUnderflow,
}

// longDoubleMax is the largest finite x87 long double, rounded to 19 digits.
var longDoubleMax, _, _ = apd.NewFromString("1.189731495357231765e4932")

// beyondLongDouble reports whether |d| has no finite long double counterpart.
func beyondLongDouble(d *apd.Decimal) bool {
	var abs apd.Decimal
	abs.Abs(d)
	return abs.Cmp(longDoubleMax) > 0
}

// formatCtx is used only to round results to floatFractionDigits.
var formatCtx = apd.Context{
	Precision:   64,
	MaxExponent: apd.MaxExponent,
	MinExponent: apd.MinExponent,
	Rounding:    apd.RoundHalfEven,
	Traps:       apd.InvalidOperation,
}

// floatFractionDigits is the number of fractional digits kept when a float
// result is turned back into text.
const floatFractionDigits = 17

// ParseFloat parses b as a finite decimal number within long double range.
func ParseFloat(b []byte) (*apd.Decimal, error) {
	if len(b) == 0 || len(b) > maxFloatChars || isSpace(b[0]) || isSpace(b[len(b)-1]) {
		return nil, newError(KindNotAFloat)
	}
	d, _, err := apd.NewFromString(string(b))
	if err != nil || d.Form != apd.Finite {
		return nil, newError(KindNotAFloat)
	}
	if !d.IsZero() {
		adj := int64(d.Exponent) + d.NumDigits() - 1
		if adj > int64(floatCtx.MaxExponent) || adj < int64(floatCtx.MinExponent) || beyondLongDouble(d) {
			return nil, newError(KindNotAFloat)
		}
	}
	return d, nil
}

func valueFloat(v *Value) (*apd.Decimal, error) {
	if n, ok := v.Int(); ok {
		return apd.New(n, 0), nil
	}
	return ParseFloat(v.buf)
}

// ApplyFloatDelta adds delta to the number held by existing (0 if nil) and
// returns the sum together with its canonical text. The text is what must be
// stored and what must be replayed: callers propagate a literal SET of it
// rather than the increment.
func ApplyFloatDelta(existing *Value, delta *apd.Decimal) (*apd.Decimal, []byte, error) {
	cur := apd.New(0, 0)
	if existing != nil {
		d, err := valueFloat(existing)
		if err != nil {
			return nil, nil, err
		}
		cur = d
	}
	if delta == nil || delta.Form != apd.Finite {
		return nil, nil, newError(KindNotAFloat)
	}
	res := new(apd.Decimal)
	if _, err := floatCtx.Add(res, cur, delta); err != nil || res.Form != apd.Finite || beyondLongDouble(res) {
		return nil, nil, newError(KindFloatOverflow)
	}
	text, err := FormatFloat(res)
	if err != nil {
		return nil, nil, err
	}
	return res, text, nil
}

// FormatFloat renders d as plain decimal text with at most 17 fractional
// digits, no trailing zeros and no exponent. Negative zero prints as "0".
func FormatFloat(d *apd.Decimal) ([]byte, error) {
	if d.Form != apd.Finite {
		return nil, newError(KindFloatOverflow)
	}
	out := new(apd.Decimal).Set(d)
	if out.Exponent < -floatFractionDigits {
		if _, err := formatCtx.Quantize(out, out, -floatFractionDigits); err != nil {
			return nil, newError(KindFloatOverflow)
		}
	}
	if out.IsZero() {
		out.SetInt64(0)
	} else {
		out.Reduce(out)
	}
	text := out.Text('f')
	if len(text) > maxFloatChars {
		return nil, newError(KindFloatOverflow)
	}
	return []byte(text), nil
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
