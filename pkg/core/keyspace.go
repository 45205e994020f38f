// This file implements the Keyspace, the in-memory key to object dictionary
// the string commands run against. It keeps an ordered index of deadlines so
// expired keys can be reclaimed without scanning the whole map.
//
// The Keyspace does no locking. The engine serializes every command, which is
// what makes the single-reference check of EnsureExclusive sound.
package core

import (
	"fmt"
	"time"

	"github.com/tidwall/btree"
)

// ObjectType tells the kind of object stored under a key.
type ObjectType uint8

const (
	TypeString ObjectType = iota + 1
)

func (t ObjectType) String() string {
	switch t {
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Object is anything the keyspace can hold. *Value is the string object.
type Object interface {
	Type() ObjectType
}

// Store is the dictionary contract the string commands depend on.
type Store interface {
	LookupRead(key string) (Object, bool)
	LookupWrite(key string) (Object, bool)
	Add(key string, obj Object)
	Overwrite(key string, obj Object)
	SetKey(key string, obj Object, keepTTL bool)
	Delete(key string) bool
	SetExpiration(key string, atMillis int64) bool
	Persist(key string) bool
	ExpireAt(key string) (int64, bool)
	SignalModified(key string)
}

// AsString applies the type guard: it returns the string value behind obj,
// nil for a missing key, or ErrTypeMismatch.
func AsString(obj Object, found bool) (*Value, error) {
	if !found || obj == nil {
		return nil, nil
	}
	v, ok := obj.(*Value)
	if !ok || obj.Type() != TypeString {
		return nil, newError(KindTypeMismatch)
	}
	return v, nil
}

type entry struct {
	obj      Object
	expireAt int64 // unix millis, 0 when the key does not expire
}

type deadline struct {
	at  int64
	key string
}

func deadlineLess(a, b deadline) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.key < b.key
}

// KeyspaceStats counts lookups and reclaimed keys.
type KeyspaceStats struct {
	Hits    int64
	Misses  int64
	Expired int64
}

// Keyspace maps keys to objects with optional expiration.
type Keyspace struct {
	entries   map[string]*entry
	deadlines *btree.BTreeG[deadline]
	clock     func() time.Time

	dirty int64
	stats KeyspaceStats

	// OnModified is called by SignalModified.
	OnModified func(key string)
	// OnExpired is called after a key has been removed because its deadline
	// passed, lazily or by ActiveExpire.
	OnExpired func(key string)
	// OnCopied is called by InstallEdit when the edit of key was made on a
	// private copy because the stored value was shared or integer encoded.
	OnCopied func(key string)
}

var _ Store = (*Keyspace)(nil)

// NewKeyspace returns an empty keyspace using the wall clock.
func NewKeyspace() *Keyspace {
	return &Keyspace{
		entries:   make(map[string]*entry),
		deadlines: btree.NewBTreeG[deadline](deadlineLess),
		clock:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (k *Keyspace) SetClock(clock func() time.Time) { k.clock = clock }

// NowMillis returns the keyspace clock in unix milliseconds.
func (k *Keyspace) NowMillis() int64 { return k.clock().UnixMilli() }

// lookup returns the live entry for key, reclaiming it first if expired.
func (k *Keyspace) lookup(key string) *entry {
	e, ok := k.entries[key]
	if !ok {
		return nil
	}
	if e.expireAt != 0 && k.NowMillis() > e.expireAt {
		k.expire(key, e)
		return nil
	}
	return e
}

// LookupRead finds key for a read-only command.
func (k *Keyspace) LookupRead(key string) (Object, bool) {
	e := k.lookup(key)
	if e == nil {
		k.stats.Misses++
		return nil, false
	}
	k.stats.Hits++
	return e.obj, true
}

// LookupWrite finds key for a command that may modify it.
func (k *Keyspace) LookupWrite(key string) (Object, bool) {
	e := k.lookup(key)
	if e == nil {
		return nil, false
	}
	return e.obj, true
}

// Add inserts a new key. The keyspace takes over the caller's reference.
func (k *Keyspace) Add(key string, obj Object) {
	if _, ok := k.entries[key]; ok {
		panic(fmt.Sprintf("core: Add of existing key %q", key))
	}
	k.entries[key] = &entry{obj: obj}
}

// Overwrite replaces the object of an existing key, keeping its deadline. The
// previous object loses the keyspace's reference.
func (k *Keyspace) Overwrite(key string, obj Object) {
	e, ok := k.entries[key]
	if !ok {
		panic(fmt.Sprintf("core: Overwrite of missing key %q", key))
	}
	old := e.obj
	e.obj = obj
	if old != obj {
		release(old)
	}
}

// InstallEdit stores nv, the result of editing existing (nil for a missing
// key) in place or on a copy, as the value of key.
func (k *Keyspace) InstallEdit(key string, existing, nv *Value) {
	switch {
	case existing == nil:
		k.Add(key, nv)
	case existing != nv:
		k.Overwrite(key, nv)
		if k.OnCopied != nil {
			k.OnCopied(key)
		}
	}
}

// SetKey adds or overwrites key. Unless keepTTL is set any deadline is dropped.
func (k *Keyspace) SetKey(key string, obj Object, keepTTL bool) {
	if _, ok := k.LookupWrite(key); ok {
		k.Overwrite(key, obj)
	} else {
		k.Add(key, obj)
	}
	if !keepTTL {
		k.Persist(key)
	}
}

// Delete removes key and reports whether it existed.
func (k *Keyspace) Delete(key string) bool {
	e := k.lookup(key)
	if e == nil {
		return false
	}
	k.remove(key, e)
	return true
}

func (k *Keyspace) remove(key string, e *entry) {
	if e.expireAt != 0 {
		k.deadlines.Delete(deadline{at: e.expireAt, key: key})
	}
	delete(k.entries, key)
	release(e.obj)
}

func (k *Keyspace) expire(key string, e *entry) {
	k.remove(key, e)
	k.stats.Expired++
	k.dirty++
	if k.OnExpired != nil {
		k.OnExpired(key)
	}
}

// SetExpiration sets the absolute deadline of key in unix milliseconds.
func (k *Keyspace) SetExpiration(key string, atMillis int64) bool {
	e := k.lookup(key)
	if e == nil {
		return false
	}
	if e.expireAt != 0 {
		k.deadlines.Delete(deadline{at: e.expireAt, key: key})
	}
	e.expireAt = atMillis
	k.deadlines.Set(deadline{at: atMillis, key: key})
	return true
}

// Persist removes the deadline of key. It reports whether one was removed.
func (k *Keyspace) Persist(key string) bool {
	e := k.lookup(key)
	if e == nil || e.expireAt == 0 {
		return false
	}
	k.deadlines.Delete(deadline{at: e.expireAt, key: key})
	e.expireAt = 0
	return true
}

// ExpireAt returns the deadline of key, or false when it has none or is missing.
func (k *Keyspace) ExpireAt(key string) (int64, bool) {
	e := k.lookup(key)
	if e == nil || e.expireAt == 0 {
		return 0, false
	}
	return e.expireAt, true
}

// SignalModified records that key changed.
func (k *Keyspace) SignalModified(key string) {
	k.dirty++
	if k.OnModified != nil {
		k.OnModified(key)
	}
}

// ActiveExpire reclaims up to budget keys whose deadline has passed, oldest
// first, and returns how many it removed.
func (k *Keyspace) ActiveExpire(budget int) int {
	now := k.NowMillis()
	removed := 0
	for removed < budget {
		d, ok := k.deadlines.Min()
		if !ok || d.at >= now {
			break
		}
		e, ok := k.entries[d.key]
		if !ok || e.expireAt != d.at {
			k.deadlines.Delete(d)
			continue
		}
		k.expire(d.key, e)
		removed++
	}
	return removed
}

// Len returns the number of keys, including expired ones not yet reclaimed.
func (k *Keyspace) Len() int { return len(k.entries) }

// Volatile returns the number of keys carrying a deadline.
func (k *Keyspace) Volatile() int { return k.deadlines.Len() }

// Dirty returns the number of modifications since the keyspace was created.
func (k *Keyspace) Dirty() int64 { return k.dirty }

// Stats returns lookup counters.
func (k *Keyspace) Stats() KeyspaceStats { return k.stats }

// ForEach calls fn for every live key until fn returns false.
func (k *Keyspace) ForEach(fn func(key string, obj Object, expireAt int64) bool) {
	now := k.NowMillis()
	for key, e := range k.entries {
		if e.expireAt != 0 && now > e.expireAt {
			continue
		}
		if !fn(key, e.obj, e.expireAt) {
			return
		}
	}
}

// Flush removes every key.
func (k *Keyspace) Flush() {
	for key, e := range k.entries {
		delete(k.entries, key)
		release(e.obj)
	}
	k.deadlines.Clear()
}

func release(obj Object) {
	if r, ok := obj.(interface{ Release() }); ok {
		r.Release()
	}
}
