package core

import (
	"math"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDelta(t *testing.T) {
	testCases := []struct {
		name     string
		existing *Value
		delta    int64
		want     int64
		kind     Kind
	}{
		{name: "missing key starts at zero", existing: nil, delta: 5, want: 5},
		{name: "int encoded", existing: NewInt(10), delta: -3, want: 7},
		{name: "raw encoded digits", existing: NewRaw([]byte("41")), delta: 1, want: 42},
		{name: "max plus one", existing: NewInt(math.MaxInt64), delta: 1, kind: KindOverflow},
		{name: "min minus one", existing: NewInt(math.MinInt64), delta: -1, kind: KindOverflow},
		{name: "max plus zero", existing: NewInt(math.MaxInt64), delta: 0, want: math.MaxInt64},
		{name: "min plus max", existing: NewInt(math.MinInt64), delta: math.MaxInt64, want: -1},
		{name: "negative to min", existing: NewInt(-1), delta: math.MinInt64 + 1, want: math.MinInt64},
		{name: "not a number", existing: NewRaw([]byte("abc")), delta: 1, kind: KindNotAnInteger},
		{name: "leading space", existing: NewRaw([]byte(" 1")), delta: 1, kind: KindNotAnInteger},
		{name: "float text", existing: NewRaw([]byte("1.5")), delta: 1, kind: KindNotAnInteger},
		{name: "out of range text", existing: NewRaw([]byte("9223372036854775808")), delta: 1, kind: KindNotAnInteger},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var before string
			if tc.existing != nil {
				before = tc.existing.String()
			}
			got, err := ApplyDelta(tc.existing, tc.delta)
			if tc.kind != 0 {
				require.Error(t, err)
				assert.Equal(t, tc.kind, KindOf(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
			if tc.existing != nil {
				assert.Equal(t, before, tc.existing.String())
			}
		})
	}
}

func TestApplyDeltaMatchesWideAddition(t *testing.T) {
	samples := []int64{0, 1, -1, 2, 1 << 32, -(1 << 32), math.MaxInt64, math.MinInt64, math.MaxInt64 / 2, math.MinInt64 / 2}
	for _, a := range samples {
		for _, d := range samples {
			got, err := ApplyDelta(NewInt(a), d)
			sum := new(apd.Decimal)
			_, _ = apd.BaseContext.WithPrecision(40).Add(sum, apd.New(a, 0), apd.New(d, 0))
			fits := sum.Cmp(apd.New(math.MaxInt64, 0)) <= 0 && sum.Cmp(apd.New(math.MinInt64, 0)) >= 0
			if fits {
				require.NoError(t, err, "a=%d d=%d", a, d)
				assert.Equal(t, a+d, got)
			} else {
				assert.ErrorIs(t, err, ErrOverflow, "a=%d d=%d", a, d)
			}
		}
	}
}

func mustFloat(t *testing.T, s string) *apd.Decimal {
	t.Helper()
	d, err := ParseFloat([]byte(s))
	require.NoError(t, err)
	return d
}

func TestApplyFloatDelta(t *testing.T) {
	testCases := []struct {
		name     string
		existing *Value
		delta    string
		want     string
	}{
		{"decimal text", NewRaw([]byte("10.50")), "0.1", "10.6"},
		{"missing key", nil, "3.0e3", "3000"},
		{"integer encoded", NewInt(5), "-5", "0"},
		{"negative result", NewInt(1), "-1.25", "-0.25"},
		{"exponent input", NewRaw([]byte("5.0e3")), "2.0e2", "5200"},
		{"tiny fraction rounds away", NewInt(0), "0.000000000000000000001", "0"},
		{"seventeen digits kept", NewInt(0), "0.12345678901234567", "0.12345678901234567"},
		{"negative zero", NewRaw([]byte("-0")), "-0", "0"},
		{"precision bound", NewRaw([]byte("1e30")), "1", "1000000000000000000000000000000"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, text, err := ApplyFloatDelta(tc.existing, mustFloat(t, tc.delta))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(text))
		})
	}
}

func TestApplyFloatDeltaErrors(t *testing.T) {
	_, _, err := ApplyFloatDelta(NewRaw([]byte("abc")), apd.New(1, 0))
	assert.ErrorIs(t, err, ErrNotAFloat)

	big := NewRaw([]byte("9e4932"))
	_, _, err = ApplyFloatDelta(big, apd.New(1, 0))
	assert.ErrorIs(t, err, ErrNotAFloat)

	// Each operand is a finite long double, the sum is not.
	_, _, err = ApplyFloatDelta(NewRaw([]byte("1e4932")), mustFloat(t, "1e4932"))
	assert.ErrorIs(t, err, ErrFloatOverflow)
	_, _, err = ApplyFloatDelta(NewRaw([]byte("-1.1e4932")), mustFloat(t, "-1"))
	require.NoError(t, err)
	_, _, err = ApplyFloatDelta(NewRaw([]byte("-1.1e4932")), mustFloat(t, "-1e4931"))
	assert.ErrorIs(t, err, ErrFloatOverflow)

	_, text, err := ApplyFloatDelta(NewRaw([]byte("1.1e4932")), mustFloat(t, "-1e4932"))
	require.NoError(t, err)
	assert.Len(t, text, 4932)

	_, _, err = ApplyFloatDelta(nil, &apd.Decimal{Form: apd.Infinite})
	assert.ErrorIs(t, err, ErrNotAFloat)
}

func TestParseFloat(t *testing.T) {
	for _, bad := range []string{"", " 1", "1 ", "abc", "NaN", "inf", "-Infinity", "1e99999", "1e-99999", "1.2.3", "1.2e4932", "-2e4932"} {
		_, err := ParseFloat([]byte(bad))
		assert.ErrorIs(t, err, ErrNotAFloat, "input %q", bad)
	}
	for _, good := range []string{"0", "-1.5", "1e10", "2.50", "0.0"} {
		_, err := ParseFloat([]byte(good))
		assert.NoError(t, err, "input %q", good)
	}
}

func TestFormatFloatDeterministic(t *testing.T) {
	_, first, err := ApplyFloatDelta(NewRaw([]byte("0.1")), mustFloat(t, "0.2"))
	require.NoError(t, err)
	assert.Equal(t, "0.3", string(first))

	// Replaying the stored literal yields the same text.
	_, again, err := ApplyFloatDelta(NewCompact(first), mustFloat(t, "0"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestParseInt(t *testing.T) {
	n, err := ParseInt([]byte("-17"))
	require.NoError(t, err)
	assert.Equal(t, int64(-17), n)

	_, err = ParseInt([]byte("1e3"))
	assert.ErrorIs(t, err, ErrNotAnInteger)
}
