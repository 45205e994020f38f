package server

// KVSetRequest is the body of PUT /kv/{key}.
type KVSetRequest struct {
	Value   string `json:"value"`
	NX      bool   `json:"nx,omitempty"`
	XX      bool   `json:"xx,omitempty"`
	ExMs    int64  `json:"ex_ms,omitempty"`   // relative deadline in ms
	AtMs    int64  `json:"at_ms,omitempty"`   // absolute unix ms deadline
	KeepTTL bool   `json:"keep_ttl,omitempty"`
	Get     bool   `json:"get,omitempty"`
}

// KVSetResponse reports whether the value was written and, with "get", the
// previous value.
type KVSetResponse struct {
	Applied bool    `json:"applied"`
	Old     *string `json:"old,omitempty"`
}

// KVValueRequest carries the data of append.
type KVValueRequest struct {
	Value string `json:"value"`
}

// KVSetRangeRequest is the body of POST /kv/{key}/setrange.
type KVSetRangeRequest struct {
	Offset int64  `json:"offset"`
	Value  string `json:"value"`
}

// KVIncrRequest is the body of POST /kv/{key}/incr. A missing "by" means 1.
type KVIncrRequest struct {
	By *int64 `json:"by,omitempty"`
}

// KVIncrByFloatRequest is the body of POST /kv/{key}/incrbyfloat. The delta
// is a decimal string so no precision is lost in JSON.
type KVIncrByFloatRequest struct {
	By string `json:"by"`
}

// KVExpireRequest is the body of POST /kv/{key}/expire. Exactly one field
// must be set.
type KVExpireRequest struct {
	TTLMs int64 `json:"ttl_ms,omitempty"`
	AtMs  int64 `json:"at_ms,omitempty"`
}

// KVMGetRequest is the body of POST /kv/_mget.
type KVMGetRequest struct {
	Keys []string `json:"keys"`
}

// KVPair is one entry of KVMSetRequest.
type KVPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// KVMSetRequest is the body of POST /kv/_mset.
type KVMSetRequest struct {
	Pairs []KVPair `json:"pairs"`
	NX    bool     `json:"nx,omitempty"`
}
