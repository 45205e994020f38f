// This file implements the string commands. Each public method builds the
// command as it would appear in the AOF, runs the matching handler under the
// command lock, and lets exec propagate it.
package engine

import (
	"math"
	"strconv"
	"time"

	"github.com/sanonone/kektorkv/pkg/core"
)

// SetOptions are the modifiers of Set.
type SetOptions struct {
	// NX only sets a missing key, XX only an existing one.
	NX, XX bool
	// Get returns the previous value in SetResult.
	Get bool
	// KeepTTL retains the deadline of an existing key.
	KeepTTL bool
	// ExpireIn is a relative deadline; ExpireAt an absolute one. At most one
	// of ExpireIn, ExpireAt and KeepTTL may be set.
	ExpireIn time.Duration
	ExpireAt time.Time
}

func (o SetOptions) validate() error {
	if o.NX && o.XX {
		return ErrSyntax
	}
	n := 0
	if o.KeepTTL {
		n++
	}
	if o.ExpireIn != 0 {
		n++
	}
	if !o.ExpireAt.IsZero() {
		n++
	}
	if n > 1 {
		return ErrSyntax
	}
	if o.ExpireIn < 0 || (!o.ExpireAt.IsZero() && o.ExpireAt.UnixMilli() <= 0) {
		return ErrInvalidExpire
	}
	return nil
}

// deadline resolves the options to an absolute unix millisecond deadline, 0
// when none was requested.
func (o SetOptions) deadline(now int64) (int64, error) {
	switch {
	case o.ExpireIn > 0:
		ms := o.ExpireIn.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		if ms > math.MaxInt64-now {
			return 0, ErrInvalidExpire
		}
		return now + ms, nil
	case !o.ExpireAt.IsZero():
		return o.ExpireAt.UnixMilli(), nil
	}
	return 0, nil
}

// tokens renders the options the way SET takes them on the wire.
func (o SetOptions) tokens() [][]byte {
	var t [][]byte
	if o.NX {
		t = append(t, []byte("NX"))
	}
	if o.XX {
		t = append(t, []byte("XX"))
	}
	if o.Get {
		t = append(t, []byte("GET"))
	}
	switch {
	case o.KeepTTL:
		t = append(t, []byte("KEEPTTL"))
	case o.ExpireIn != 0:
		t = append(t, []byte("PX"), itoa(o.ExpireIn.Milliseconds()))
	case !o.ExpireAt.IsZero():
		t = append(t, []byte("PXAT"), itoa(o.ExpireAt.UnixMilli()))
	}
	return t
}

// SetResult reports what Set did.
type SetResult struct {
	// Applied is false when NX or XX prevented the write.
	Applied bool
	// Old and OldExists carry the previous value when SetOptions.Get is set.
	Old       []byte
	OldExists bool
}

// Get returns a copy of the value at key.
func (e *Engine) Get(key string) ([]byte, bool, error) {
	c := newCommand("GET", []byte(key))
	var (
		out   []byte
		found bool
	)
	err := e.exec(c, func() error {
		v, err := e.lookupString(key)
		if err != nil || v == nil {
			return err
		}
		out, found = v.AppendTo(nil), true
		return nil
	})
	return out, found, err
}

// GetValue returns the value at key itself with an extra reference, nil for a
// missing key. The caller must Release it. While held, any edit of the key
// copies the value first, so the returned bytes never change.
func (e *Engine) GetValue(key string) (*core.Value, error) {
	c := newCommand("GET", []byte(key))
	var out *core.Value
	err := e.exec(c, func() error {
		v, err := e.lookupString(key)
		if err != nil || v == nil {
			return err
		}
		out = v.Retain()
		return nil
	})
	return out, err
}

// Set stores value at key according to opts.
func (e *Engine) Set(key string, value []byte, opts SetOptions) (SetResult, error) {
	args := append([][]byte{[]byte(key), value}, opts.tokens()...)
	c := newCommand("SET", args...)
	var res SetResult
	err := e.exec(c, func() (err error) {
		res, err = e.setGeneric(c, key, value, opts)
		return err
	})
	return res, err
}

func (e *Engine) setGeneric(c *command, key string, value []byte, opts SetOptions) (SetResult, error) {
	var res SetResult
	if err := opts.validate(); err != nil {
		return res, err
	}
	if err := core.CheckLength(int64(len(value))); err != nil {
		return res, err
	}
	at, err := opts.deadline(e.ks.NowMillis())
	if err != nil {
		return res, err
	}

	obj, found := e.ks.LookupWrite(key)
	if opts.Get {
		old, err := core.AsString(obj, found)
		if err != nil {
			return res, err
		}
		if old != nil {
			res.Old, res.OldExists = old.AppendTo(nil), true
		}
	}
	if (opts.NX && found) || (opts.XX && !found) {
		return res, nil
	}

	e.ks.SetKey(key, core.NewCompact(value), opts.KeepTTL)
	if at != 0 {
		e.ks.SetExpiration(key, at)
	}
	e.signal(c, key)
	res.Applied = true

	if opts.ExpireIn != 0 {
		// A relative deadline would move on replay.
		c.rewrite("SET", []byte(key), value, []byte("PXAT"), itoa(at))
	}
	return res, nil
}

// SetNX sets key only if it does not exist and reports whether it did.
func (e *Engine) SetNX(key string, value []byte) (bool, error) {
	c := newCommand("SETNX", []byte(key), value)
	var ok bool
	err := e.exec(c, func() error {
		res, err := e.setGeneric(c, key, value, SetOptions{NX: true})
		ok = res.Applied
		if ok {
			c.rewrite("SET", []byte(key), value)
		}
		return err
	})
	return ok, err
}

// SetEX sets key with a deadline seconds from now.
func (e *Engine) SetEX(key string, seconds int64, value []byte) error {
	return e.setWithTTL("SETEX", key, seconds, time.Second, value)
}

// PSetEX sets key with a deadline milliseconds from now.
func (e *Engine) PSetEX(key string, milliseconds int64, value []byte) error {
	return e.setWithTTL("PSETEX", key, milliseconds, time.Millisecond, value)
}

func (e *Engine) setWithTTL(name, key string, n int64, unit time.Duration, value []byte) error {
	c := newCommand(name, []byte(key), itoa(n), value)
	return e.exec(c, func() error {
		if n <= 0 || n > math.MaxInt64/int64(unit) {
			return ErrInvalidExpire
		}
		_, err := e.setGeneric(c, key, value, SetOptions{ExpireIn: time.Duration(n) * unit})
		return err
	})
}

// GetSet sets key and returns its previous value. The deadline is cleared.
func (e *Engine) GetSet(key string, value []byte) ([]byte, bool, error) {
	c := newCommand("GETSET", []byte(key), value)
	var res SetResult
	err := e.exec(c, func() (err error) {
		res, err = e.setGeneric(c, key, value, SetOptions{Get: true})
		if err == nil {
			c.rewrite("SET", []byte(key), value)
		}
		return err
	})
	return res.Old, res.OldExists, err
}

// GetDel returns the value at key and deletes the key.
func (e *Engine) GetDel(key string) ([]byte, bool, error) {
	c := newCommand("GETDEL", []byte(key))
	var (
		out   []byte
		found bool
	)
	err := e.exec(c, func() error {
		v, err := e.lookupStringWrite(key)
		if err != nil || v == nil {
			return err
		}
		out, found = v.AppendTo(nil), true
		e.ks.Delete(key)
		e.signal(c, key)
		c.rewrite("DEL", []byte(key))
		return nil
	})
	return out, found, err
}

// GetExOptions adjust the deadline of the key read by GetEx. At most one
// field may be set; none makes GetEx a plain read.
type GetExOptions struct {
	Persist  bool
	ExpireIn time.Duration
	ExpireAt time.Time
}

func (o GetExOptions) deadline(now int64) (int64, error) {
	if o.Persist && (o.ExpireIn != 0 || !o.ExpireAt.IsZero()) {
		return 0, ErrSyntax
	}
	set := SetOptions{ExpireIn: o.ExpireIn, ExpireAt: o.ExpireAt}
	if err := set.validate(); err != nil {
		return 0, err
	}
	return set.deadline(now)
}

// GetEx returns the value at key and updates its deadline.
func (e *Engine) GetEx(key string, opts GetExOptions) ([]byte, bool, error) {
	args := [][]byte{[]byte(key)}
	switch {
	case opts.Persist:
		args = append(args, []byte("PERSIST"))
	case opts.ExpireIn != 0:
		args = append(args, []byte("PX"), itoa(opts.ExpireIn.Milliseconds()))
	case !opts.ExpireAt.IsZero():
		args = append(args, []byte("PXAT"), itoa(opts.ExpireAt.UnixMilli()))
	}
	c := newCommand("GETEX", args...)
	var (
		out   []byte
		found bool
	)
	err := e.exec(c, func() error {
		at, err := opts.deadline(e.ks.NowMillis())
		if err != nil {
			return err
		}
		v, err := e.lookupStringWrite(key)
		if err != nil || v == nil {
			return err
		}
		out, found = v.AppendTo(nil), true

		switch {
		case opts.Persist:
			if e.ks.Persist(key) {
				e.signal(c, key)
				c.rewrite("PERSIST", []byte(key))
			}
		case at != 0:
			e.pexpireAt(c, key, at)
		}
		return nil
	})
	return out, found, err
}

// MGet returns the value of every key, nil for keys that are missing or do
// not hold a string.
func (e *Engine) MGet(keys ...string) [][]byte {
	args := make([][]byte, len(keys))
	for i, k := range keys {
		args[i] = []byte(k)
	}
	c := newCommand("MGET", args...)
	out := make([][]byte, len(keys))
	_ = e.exec(c, func() error {
		for i, k := range keys {
			if v, err := e.lookupString(k); err == nil && v != nil {
				out[i] = v.AppendTo(make([]byte, 0, v.Len()))
			}
		}
		return nil
	})
	return out
}

// Pair is one key and value of MSet.
type Pair struct {
	Key   string
	Value []byte
}

func pairArgs(pairs []Pair) [][]byte {
	args := make([][]byte, 0, 2*len(pairs))
	for _, p := range pairs {
		args = append(args, []byte(p.Key), p.Value)
	}
	return args
}

// pairsFromArgs turns alternating key value arguments into pairs.
func pairsFromArgs(args [][]byte) ([]Pair, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, ErrSyntax
	}
	pairs := make([]Pair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, Pair{Key: string(args[i]), Value: args[i+1]})
	}
	return pairs, nil
}

// MSet sets every pair, clearing deadlines.
func (e *Engine) MSet(pairs ...Pair) error {
	c := newCommand("MSET", pairArgs(pairs)...)
	return e.exec(c, func() error { return e.msetGeneric(c, pairs, false) })
}

// MSetNX sets every pair only if none of the keys exist.
func (e *Engine) MSetNX(pairs ...Pair) (bool, error) {
	c := newCommand("MSETNX", pairArgs(pairs)...)
	err := e.exec(c, func() error {
		if err := e.msetGeneric(c, pairs, true); err != nil {
			return err
		}
		if c.dirty > 0 {
			c.rewrite("MSET", c.args...)
		}
		return nil
	})
	return err == nil && c.dirty > 0, err
}

func (e *Engine) msetGeneric(c *command, pairs []Pair, nx bool) error {
	if len(pairs) == 0 {
		return ErrSyntax
	}
	for _, p := range pairs {
		if err := core.CheckLength(int64(len(p.Value))); err != nil {
			return err
		}
	}
	if nx {
		for _, p := range pairs {
			if _, found := e.ks.LookupWrite(p.Key); found {
				return nil
			}
		}
	}
	for _, p := range pairs {
		e.ks.SetKey(p.Key, core.NewCompact(p.Value), false)
		e.signal(c, p.Key)
	}
	return nil
}

// Append adds data to the end of the value at key, creating it if needed,
// and returns the new length.
func (e *Engine) Append(key string, data []byte) (int, error) {
	c := newCommand("APPEND", []byte(key), data)
	var n int
	err := e.exec(c, func() (err error) {
		n, err = e.appendCmd(c, key, data)
		return err
	})
	return n, err
}

func (e *Engine) appendCmd(c *command, key string, data []byte) (int, error) {
	existing, err := e.lookupStringWrite(key)
	if err != nil {
		return 0, err
	}
	nv, n, written, err := core.Append(existing, data)
	if err != nil || !written {
		return n, err
	}
	e.ks.InstallEdit(key, existing, nv)
	e.signal(c, key)
	return n, nil
}

// SetRange overwrites the value at key from offset on with data, padding with
// NUL bytes as needed, and returns the new length.
func (e *Engine) SetRange(key string, offset int64, data []byte) (int, error) {
	c := newCommand("SETRANGE", []byte(key), itoa(offset), data)
	var n int
	err := e.exec(c, func() (err error) {
		n, err = e.setRangeCmd(c, key, offset, data)
		return err
	})
	return n, err
}

func (e *Engine) setRangeCmd(c *command, key string, offset int64, data []byte) (int, error) {
	existing, err := e.lookupStringWrite(key)
	if err != nil {
		return 0, err
	}
	nv, n, written, err := core.WriteAt(existing, offset, data)
	if err != nil || !written {
		return n, err
	}
	e.ks.InstallEdit(key, existing, nv)
	e.signal(c, key)
	return n, nil
}

// GetRange returns the inclusive byte range [start, end] of the value at key.
// Negative offsets count from the end. A missing key reads as empty.
func (e *Engine) GetRange(key string, start, end int64) ([]byte, error) {
	c := newCommand("GETRANGE", []byte(key), itoa(start), itoa(end))
	var out []byte
	err := e.exec(c, func() error {
		v, err := e.lookupString(key)
		if err != nil {
			return err
		}
		out = core.ReadRange(v, start, end)
		return nil
	})
	return out, err
}

// Substr is the historical name of GetRange.
func (e *Engine) Substr(key string, start, end int64) ([]byte, error) {
	return e.GetRange(key, start, end)
}

// StrLen returns the length of the value at key, 0 if missing.
func (e *Engine) StrLen(key string) (int, error) {
	c := newCommand("STRLEN", []byte(key))
	var n int
	err := e.exec(c, func() error {
		v, err := e.lookupString(key)
		if err != nil || v == nil {
			return err
		}
		n = v.Len()
		return nil
	})
	return n, err
}

// Incr adds one to the integer at key.
func (e *Engine) Incr(key string) (int64, error) {
	return e.incrBy(newCommand("INCR", []byte(key)), key, 1)
}

// Decr subtracts one from the integer at key.
func (e *Engine) Decr(key string) (int64, error) {
	return e.incrBy(newCommand("DECR", []byte(key)), key, -1)
}

// IncrBy adds delta to the integer at key.
func (e *Engine) IncrBy(key string, delta int64) (int64, error) {
	return e.incrBy(newCommand("INCRBY", []byte(key), itoa(delta)), key, delta)
}

// DecrBy subtracts delta from the integer at key. math.MinInt64 cannot be
// negated and fails with an overflow.
func (e *Engine) DecrBy(key string, delta int64) (int64, error) {
	c := newCommand("DECRBY", []byte(key), itoa(delta))
	if delta == math.MinInt64 {
		return 0, e.exec(c, func() error { return &core.Error{Kind: core.KindOverflow} })
	}
	return e.incrBy(c, key, -delta)
}

func (e *Engine) incrBy(c *command, key string, delta int64) (int64, error) {
	var n int64
	err := e.exec(c, func() (err error) {
		n, err = e.incrByCmd(c, key, delta)
		return err
	})
	return n, err
}

func (e *Engine) incrByCmd(c *command, key string, delta int64) (int64, error) {
	existing, err := e.lookupStringWrite(key)
	if err != nil {
		return 0, err
	}
	n, err := core.ApplyDelta(existing, delta)
	if err != nil {
		return 0, err
	}
	e.install(key, existing, core.NewInt(n))
	e.signal(c, key)
	return n, nil
}

// IncrByFloat adds the decimal delta to the number at key and returns the
// stored text. It is propagated as SET key <text> KEEPTTL: replaying the
// literal result keeps every copy of the data identical, where replaying the
// addition could round differently.
func (e *Engine) IncrByFloat(key string, delta []byte) ([]byte, error) {
	c := newCommand("INCRBYFLOAT", []byte(key), delta)
	var text []byte
	err := e.exec(c, func() (err error) {
		text, err = e.incrByFloatCmd(c, key, delta)
		return err
	})
	return text, err
}

func (e *Engine) incrByFloatCmd(c *command, key string, delta []byte) ([]byte, error) {
	d, err := core.ParseFloat(delta)
	if err != nil {
		return nil, err
	}
	existing, err := e.lookupStringWrite(key)
	if err != nil {
		return nil, err
	}
	_, text, err := core.ApplyFloatDelta(existing, d)
	if err != nil {
		return nil, err
	}
	e.install(key, existing, core.NewCompact(text))
	e.signal(c, key)
	c.rewrite("SET", []byte(key), text, []byte("KEEPTTL"))
	return text, nil
}

func itoa(n int64) []byte { return strconv.AppendInt(nil, n, 10) }
