package core

// EnsureExclusive returns a raw Value that the caller owns exclusively and
// may edit in place. If v is already raw with a single reference it is
// returned as is. Otherwise a new raw copy with one reference is returned and
// v is left untouched; the caller must install the copy in the keyspace with
// Overwrite, which releases the keyspace's reference to v.
//
// Read-only operations never call this.
func EnsureExclusive(v *Value) *Value {
	if v.enc == EncodingRaw && v.refs.Load() == 1 {
		return v
	}
	// Spare capacity so the edit that follows rarely reallocates.
	n := v.Len()
	spare := n / 2
	if spare > 1<<20 {
		spare = 1 << 20
	}
	buf := v.AppendTo(make([]byte, 0, n+spare+16))
	return newRawOwned(buf)
}
