package engine

import "time"

func keyArgs(keys []string) [][]byte {
	args := make([][]byte, len(keys))
	for i, k := range keys {
		args[i] = []byte(k)
	}
	return args
}

// Del removes keys and returns how many existed.
func (e *Engine) Del(keys ...string) int {
	c := newCommand("DEL", keyArgs(keys)...)
	n := 0
	_ = e.exec(c, func() error {
		n = e.delCmd(c, keys)
		return nil
	})
	return n
}

func (e *Engine) delCmd(c *command, keys []string) int {
	n := 0
	for _, k := range keys {
		if e.ks.Delete(k) {
			e.signal(c, k)
			n++
		}
	}
	return n
}

// Exists counts how many of keys exist. Repeated keys count repeatedly.
func (e *Engine) Exists(keys ...string) int {
	c := newCommand("EXISTS", keyArgs(keys)...)
	n := 0
	_ = e.exec(c, func() error {
		for _, k := range keys {
			if _, ok := e.ks.LookupRead(k); ok {
				n++
			}
		}
		return nil
	})
	return n
}

// PExpireAt sets the absolute deadline of key. A deadline that already passed
// deletes the key. It reports whether key existed.
func (e *Engine) PExpireAt(key string, at time.Time) bool {
	ms := at.UnixMilli()
	c := newCommand("PEXPIREAT", []byte(key), itoa(ms))
	ok := false
	_ = e.exec(c, func() error {
		ok = e.pexpireAt(c, key, ms)
		return nil
	})
	return ok
}

// Expire sets a relative deadline on key.
func (e *Engine) Expire(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidExpire
	}
	return e.PExpireAt(key, e.now().Add(ttl)), nil
}

func (e *Engine) pexpireAt(c *command, key string, ms int64) bool {
	if _, found := e.ks.LookupWrite(key); !found {
		return false
	}
	if ms <= e.ks.NowMillis() {
		e.ks.Delete(key)
		e.signal(c, key)
		c.rewrite("DEL", []byte(key))
		return true
	}
	e.ks.SetExpiration(key, ms)
	e.signal(c, key)
	c.rewrite("PEXPIREAT", []byte(key), itoa(ms))
	return true
}

// Persist removes the deadline of key and reports whether it had one.
func (e *Engine) Persist(key string) bool {
	c := newCommand("PERSIST", []byte(key))
	ok := false
	_ = e.exec(c, func() error {
		ok = e.persistCmd(c, key)
		return nil
	})
	return ok
}

func (e *Engine) persistCmd(c *command, key string) bool {
	if !e.ks.Persist(key) {
		return false
	}
	e.signal(c, key)
	return true
}

// PTTL returns the remaining time to live of key in milliseconds, -2 when
// the key is missing and -1 when it has no deadline.
func (e *Engine) PTTL(key string) int64 {
	c := newCommand("PTTL", []byte(key))
	var ttl int64
	_ = e.exec(c, func() error {
		if _, ok := e.ks.LookupRead(key); !ok {
			ttl = -2
			return nil
		}
		at, ok := e.ks.ExpireAt(key)
		if !ok {
			ttl = -1
			return nil
		}
		ttl = at - e.ks.NowMillis()
		if ttl < 0 {
			ttl = 0
		}
		return nil
	})
	return ttl
}

// DBSize returns the number of keys.
func (e *Engine) DBSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.Len()
}

// Stats is a point in time view of the engine.
type Stats struct {
	RunID        string `json:"run_id"`
	Keys         int    `json:"keys"`
	VolatileKeys int    `json:"volatile_keys"`
	Dirty        int64  `json:"dirty_since_save"`
	Hits         int64  `json:"keyspace_hits"`
	Misses       int64  `json:"keyspace_misses"`
	Expired      int64  `json:"expired_keys"`
	AOFSize      int64  `json:"aof_size"`
	LastSave     int64  `json:"last_save_unix"`
}

// Stats reports keyspace and persistence counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	ks := e.ks.Stats()
	st := Stats{
		RunID:        e.runID,
		Keys:         e.ks.Len(),
		VolatileKeys: e.ks.Volatile(),
		Dirty:        e.ks.Dirty() - e.savedDirty,
		Hits:         ks.Hits,
		Misses:       ks.Misses,
		Expired:      ks.Expired,
		LastSave:     e.lastSave.Unix(),
	}
	e.mu.Unlock()
	st.AOFSize, _ = e.aof.Size()
	return st
}
