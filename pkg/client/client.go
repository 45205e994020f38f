// Package client provides a Go client for the KektorKV HTTP API.
//
// It covers the string commands (Get, Set and its options, Append, SetRange,
// GetRange, StrLen, counters, TTLs, multi key reads and writes) and the
// administration endpoints (snapshot, AOF rewrite, task status, stats).
//
// Values travel as JSON strings.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// --- Custom Errors ---

// APIError represents an error returned by the KektorKV API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is the API's answer for a missing key or task.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// --- JSON Structs ---

type kvResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetOptions mirror the modifiers of SET.
type SetOptions struct {
	NX      bool  `json:"nx,omitempty"`
	XX      bool  `json:"xx,omitempty"`
	ExMs    int64 `json:"ex_ms,omitempty"`
	AtMs    int64 `json:"at_ms,omitempty"`
	KeepTTL bool  `json:"keep_ttl,omitempty"`
	Get     bool  `json:"get,omitempty"`
}

// SetResult is the reply of SetWithOptions. Old is nil unless Get was set
// and the key existed.
type SetResult struct {
	Applied bool    `json:"applied"`
	Old     *string `json:"old,omitempty"`
}

// Pair is one key and value of MSet.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Stats is the reply of /system/stats.
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

// Task represents an asynchronous save or AOF rewrite on the server.
type Task struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	client *Client // Reference to the client for polling.
}

// --- Client ---

// Client is the Go client for interacting with KektorKV.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New creates a client for the server at host:port. An empty authToken sends
// no Authorization header.
func New(host string, port int, authToken string) *Client {
	return NewWithBaseURL(fmt.Sprintf("http://%s:%d", host, port), authToken)
}

// NewWithBaseURL creates a client for a server reachable at baseURL.
func NewWithBaseURL(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// jsonRequest executes one request to the API. It handles JSON encoding,
// the HTTP call and error replies.
func (c *Client) jsonRequest(method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal JSON payload")
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "connection error")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return respBody, nil
}

// do runs jsonRequest and decodes the reply into out.
func (c *Client) do(method, endpoint string, payload, out any) error {
	respBody, err := c.jsonRequest(method, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "invalid JSON response for %s %s", method, endpoint)
	}
	return nil
}

func keyPath(key string, suffix string) string {
	return "/kv/" + url.PathEscape(key) + suffix
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh() error {
	if t.client == nil {
		return errors.New("client is not associated with the task")
	}
	updatedTask, err := t.client.GetTaskStatus(t.ID)
	if err != nil {
		return err
	}
	t.Status = updatedTask.Status
	t.Error = updatedTask.Error
	return nil
}

// Wait blocks until the task is completed, checking its status at regular intervals.
func (t *Task) Wait(interval, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return errors.Newf("timeout exceeded while waiting for task %s", t.ID)
		case <-ticker.C:
			if err := t.Refresh(); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return errors.Newf("task %s failed with error: %s", t.ID, t.Error)
			case "running", "started":
				// Continue waiting.
			default:
				return errors.Newf("unknown task status: %s", t.Status)
			}
		}
	}
}

// --- KV Methods ---

// Set stores value at key, clearing any TTL.
func (c *Client) Set(key string, value []byte) error {
	_, err := c.SetWithOptions(key, value, SetOptions{})
	return err
}

// SetWithOptions stores value at key according to opts.
func (c *Client) SetWithOptions(key string, value []byte, opts SetOptions) (SetResult, error) {
	payload := struct {
		Value string `json:"value"`
		SetOptions
	}{string(value), opts}
	var res SetResult
	err := c.do(http.MethodPut, keyPath(key, ""), payload, &res)
	return res, err
}

// Get retrieves the value at key. A missing key fails with an error for which
// IsNotFound is true.
func (c *Client) Get(key string) ([]byte, error) {
	var resp kvResponse
	if err := c.do(http.MethodGet, keyPath(key, ""), nil, &resp); err != nil {
		return nil, err
	}
	return []byte(resp.Value), nil
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(key string) (bool, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(http.MethodDelete, keyPath(key, ""), nil, &resp)
	return resp.Deleted > 0, err
}

// Append adds data to the value at key and returns the new length.
func (c *Client) Append(key string, data []byte) (int, error) {
	var resp struct {
		Length int `json:"length"`
	}
	err := c.do(http.MethodPost, keyPath(key, "/append"), map[string]string{"value": string(data)}, &resp)
	return resp.Length, err
}

// SetRange overwrites the value at key from offset on and returns the new length.
func (c *Client) SetRange(key string, offset int64, data []byte) (int, error) {
	var resp struct {
		Length int `json:"length"`
	}
	payload := map[string]any{"offset": offset, "value": string(data)}
	err := c.do(http.MethodPost, keyPath(key, "/setrange"), payload, &resp)
	return resp.Length, err
}

// GetRange returns the inclusive byte range [start, end] of the value at key.
func (c *Client) GetRange(key string, start, end int64) ([]byte, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	var resp kvResponse
	if err := c.do(http.MethodGet, keyPath(key, "/range?"+q.Encode()), nil, &resp); err != nil {
		return nil, err
	}
	return []byte(resp.Value), nil
}

// StrLen returns the length of the value at key.
func (c *Client) StrLen(key string) (int, error) {
	var resp struct {
		Length int `json:"length"`
	}
	err := c.do(http.MethodGet, keyPath(key, "/strlen"), nil, &resp)
	return resp.Length, err
}

// IncrBy adds delta to the integer at key.
func (c *Client) IncrBy(key string, delta int64) (int64, error) {
	var resp struct {
		Value int64 `json:"value"`
	}
	err := c.do(http.MethodPost, keyPath(key, "/incr"), map[string]int64{"by": delta}, &resp)
	return resp.Value, err
}

// IncrByFloat adds the decimal delta to the number at key and returns the
// stored text.
func (c *Client) IncrByFloat(key string, delta string) (string, error) {
	var resp kvResponse
	err := c.do(http.MethodPost, keyPath(key, "/incrbyfloat"), map[string]string{"by": delta}, &resp)
	return resp.Value, err
}

// PTTL returns the remaining time to live of key in milliseconds, -1 when it
// has none. A missing key fails with an error for which IsNotFound is true.
func (c *Client) PTTL(key string) (int64, error) {
	var resp struct {
		TTLMs int64 `json:"ttl_ms"`
	}
	err := c.do(http.MethodGet, keyPath(key, "/ttl"), nil, &resp)
	return resp.TTLMs, err
}

// Expire sets a relative deadline on key.
func (c *Client) Expire(key string, ttl time.Duration) error {
	return c.do(http.MethodPost, keyPath(key, "/expire"), map[string]int64{"ttl_ms": ttl.Milliseconds()}, nil)
}

// Persist removes the deadline of key and reports whether it had one.
func (c *Client) Persist(key string) (bool, error) {
	var resp struct {
		Persisted bool `json:"persisted"`
	}
	err := c.do(http.MethodPost, keyPath(key, "/persist"), nil, &resp)
	return resp.Persisted, err
}

// MGet returns the values of keys; missing keys are nil.
func (c *Client) MGet(keys ...string) ([]*string, error) {
	var resp struct {
		Values []*string `json:"values"`
	}
	err := c.do(http.MethodPost, "/kv/_mget", map[string][]string{"keys": keys}, &resp)
	return resp.Values, err
}

// MSet sets every pair.
func (c *Client) MSet(pairs ...Pair) error {
	_, err := c.mset(pairs, false)
	return err
}

// MSetNX sets every pair only if none of the keys exist.
func (c *Client) MSetNX(pairs ...Pair) (bool, error) {
	return c.mset(pairs, true)
}

func (c *Client) mset(pairs []Pair, nx bool) (bool, error) {
	payload := struct {
		Pairs []Pair `json:"pairs"`
		NX    bool   `json:"nx,omitempty"`
	}{pairs, nx}
	var resp struct {
		Applied bool `json:"applied"`
	}
	err := c.do(http.MethodPost, "/kv/_mset", payload, &resp)
	return resp.Applied, err
}

// --- Administration Methods ---

// Save takes a snapshot and waits for it.
func (c *Client) Save() error {
	return c.do(http.MethodPost, "/system/save", nil, nil)
}

// AOFRewrite compacts the AOF and waits for it.
func (c *Client) AOFRewrite() error {
	return c.do(http.MethodPost, "/system/aof-rewrite", nil, nil)
}

// SaveAsync starts a background snapshot and returns its Task.
func (c *Client) SaveAsync() (*Task, error) {
	return c.startTask("/system/save?async=true")
}

// AOFRewriteAsync starts a background AOF rewrite and returns its Task.
func (c *Client) AOFRewriteAsync() (*Task, error) {
	return c.startTask("/system/aof-rewrite?async=true")
}

func (c *Client) startTask(endpoint string) (*Task, error) {
	var task Task
	if err := c.do(http.MethodPost, endpoint, nil, &task); err != nil {
		return nil, err
	}
	task.client = c
	return &task, nil
}

// GetTaskStatus retrieves the status of a long-running task.
func (c *Client) GetTaskStatus(taskID string) (*Task, error) {
	var task Task
	if err := c.do(http.MethodGet, "/system/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	task.client = c
	return &task, nil
}

// Stats returns keyspace and persistence counters.
func (c *Client) Stats() (*Stats, error) {
	var st Stats
	if err := c.do(http.MethodGet, "/system/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
