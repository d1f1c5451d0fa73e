package memcached

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/tylerwilliams/gomemcached/consistenthash"
)

// maxChunkSize bounds how many pipelined requests are outstanding on
// one connection at once, so a worker's send doesn't run indefinitely
// ahead of its matching recv.
const maxChunkSize = 1000

// multiTarget is one destination server and the keys routed to it.
type multiTarget struct {
	node consistenthash.Endpoint
	keys []string
}

// groupByServer buckets keys by the server the ring resolves them to,
// preserving first-seen order of servers for deterministic tests. If
// hashkey is non-empty, every key is routed to hashkey's server
// instead of its own, for caller-controlled colocation.
func (c *Client) groupByServer(keys []string, hashkey string) ([]multiTarget, error) {
	if hashkey != "" {
		if !legalKey(hashkey) {
			return nil, fmt.Errorf("%w. Invalid hashkey - %v", ErrMalformedKey, hashkey)
		}
		node, ok := c.hr.Lookup([]byte(hashkey))
		if !ok {
			return nil, ErrNoServers
		}
		return []multiTarget{{node: node, keys: keys}}, nil
	}

	index := make(map[string]int, 8)
	var targets []multiTarget

	for _, key := range keys {
		if !legalKey(key) {
			return nil, fmt.Errorf("%w. Invalid key - %v", ErrMalformedKey, key)
		}
		node, ok := c.hr.Lookup([]byte(key))
		if !ok {
			return nil, ErrNoServers
		}

		id := node.String()
		i, exists := index[id]
		if !exists {
			index[id] = len(targets)
			targets = append(targets, multiTarget{node: node})
			i = len(targets) - 1
		}
		targets[i].keys = append(targets[i].keys, key)
	}

	return targets, nil
}

// chunk splits keys into groups of at most size, never returning an
// empty chunk.
func chunk(keys []string, size int) [][]string {
	if len(keys) == 0 {
		return nil
	}
	var out [][]string
	for len(keys) > 0 {
		n := size
		if n > len(keys) {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

// multiResult accumulates per-key outcomes across concurrent workers.
type multiResult struct {
	mu      sync.Mutex
	values  map[string][]byte
	failed  []string
	lastErr error
}

func newMultiResult() *multiResult {
	return &multiResult{values: make(map[string][]byte)}
}

func (r *multiResult) addValue(key string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = body
}

func (r *multiResult) addFailed(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, key)
}

func (r *multiResult) addErr(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
}

// pipelineQuiet writes opcode(key) for every key in chunk as a quiet
// request, correlates responses to keys via opaque, and invokes
// onResponse for every response keyed back to its original key before
// the trailing NOOP. A nil onResponse ignores every response.
func (c *Client) pipelineQuiet(cn *conn, opcode OpCode, chunkKeys []string, body func(key string) []byte, exp uint32, flags uint32, onResponse func(key string, resp *Response)) error {
	idToKey := make(map[uint32]string, len(chunkKeys))

	for _, key := range chunkKeys {
		opaque := c.getOpaque()
		req := &Request{
			Opcode: opcode,
			Opaque: opaque,
			Key:    []byte(key),
		}
		if body != nil {
			req.Body = body(key)
		}
		req.prepareExtras(exp, 0, 0, flags)

		if _, err := transmitRequest(cn.wrtBuf, req); err != nil {
			cn.healthy = false
			return err
		}
		idToKey[opaque] = key
	}

	opaqueNOOP := c.getOpaque()
	noop := &Request{Opcode: NOOP, Opaque: opaqueNOOP}
	noop.prepareExtras(0, 0, 0, 0)

	if _, err := transmitRequest(cn.wrtBuf, noop); err != nil {
		cn.healthy = false
		return err
	}

	if err := cn.wrtBuf.Flush(); err != nil {
		return err
	}

	for {
		resp, _, err := getResponse(cn.rc, cn.hdrBuf)
		// A non-success status still arrives as a complete frame, so it
		// is handed to onResponse; only a failed read ends the chunk.
		if err != nil && UnwrapMemcachedError(err) == nil {
			cn.healthy = false
			return err
		}
		if resp.Opcode == NOOP && resp.Opaque == opaqueNOOP {
			return nil
		}
		if key, ok := idToKey[resp.Opaque]; ok && onResponse != nil {
			onResponse(key, resp)
		}
	}
}

// MultiGet is the batch form of Get: returns a mapping of the keys
// that were found. Missing keys are silently omitted, matching
// memcached's quiet-get semantics.
func (c *Client) MultiGet(keys []string, hashkey string) (map[string][]byte, error) {
	result := newMultiResult()
	if len(keys) == 0 {
		return result.values, nil
	}

	targets, err := c.groupByServer(keys, hashkey)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		for _, ch := range chunk(target.keys, maxChunkSize) {
			target, ch := target, ch
			wg.Add(1)
			c.workerPool.Submit(func() {
				defer wg.Done()
				c.runGetChunk(target, ch, result)
			})
		}
	}
	wg.Wait()

	return result.values, result.lastErr
}

func (c *Client) runGetChunk(target multiTarget, keys []string, result *multiResult) {
	cn, err := c.getConnForNode(target.node)
	if err != nil {
		result.addErr(err)
		return
	}
	var cnErr error
	defer cn.condRelease(&cnErr)

	cnErr = c.pipelineQuiet(cn, GETQ, keys, nil, 0, 0, func(key string, resp *Response) {
		if resp.Status == SUCCESS {
			result.addValue(key, resp.Body)
		}
	})
	if cnErr != nil {
		result.addErr(cnErr)
	}
}

// MultiStore is the batch form of Store: writes every item in items
// with the given expiration and returns the keys the server rejected.
func (c *Client) MultiStore(storeMode StoreMode, items map[string][]byte, exp uint32, hashkey string) ([]string, error) {
	result := newMultiResult()
	if len(items) == 0 {
		return nil, nil
	}

	keys := maps.Keys(items)

	targets, err := c.groupByServer(keys, hashkey)
	if err != nil {
		return nil, err
	}

	quietCode := storeMode.Resolve().changeOnQuiet(SETQ)

	var wg sync.WaitGroup
	for _, target := range targets {
		for _, ch := range chunk(target.keys, maxChunkSize) {
			target, ch := target, ch
			wg.Add(1)
			c.workerPool.Submit(func() {
				defer wg.Done()
				c.runStoreChunk(target, ch, quietCode, items, exp, result)
			})
		}
	}
	wg.Wait()

	return result.failed, result.lastErr
}

func (c *Client) runStoreChunk(target multiTarget, keys []string, quietCode OpCode, items map[string][]byte, exp uint32, result *multiResult) {
	cn, err := c.getConnForNode(target.node)
	if err != nil {
		result.addErr(err)
		for _, k := range keys {
			result.addFailed(k)
		}
		return
	}
	var cnErr error
	defer cn.condRelease(&cnErr)

	cnErr = c.pipelineQuiet(cn, quietCode, keys, func(key string) []byte { return items[key] }, exp, 0, func(key string, resp *Response) {
		if resp.Status != SUCCESS {
			result.addFailed(key)
		}
	})
	if cnErr != nil {
		result.addErr(cnErr)
	}
}

// MultiDelete is the batch form of Delete: returns the keys the
// server refused to delete (a missing key is not a failure).
func (c *Client) MultiDelete(keys []string, hashkey string) ([]string, error) {
	result := newMultiResult()
	if len(keys) == 0 {
		return nil, nil
	}

	targets, err := c.groupByServer(keys, hashkey)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		for _, ch := range chunk(target.keys, maxChunkSize) {
			target, ch := target, ch
			wg.Add(1)
			c.workerPool.Submit(func() {
				defer wg.Done()
				c.runDeleteChunk(target, ch, result)
			})
		}
	}
	wg.Wait()

	return result.failed, result.lastErr
}

func (c *Client) runDeleteChunk(target multiTarget, keys []string, result *multiResult) {
	cn, err := c.getConnForNode(target.node)
	if err != nil {
		result.addErr(err)
		for _, k := range keys {
			result.addFailed(k)
		}
		return
	}
	var cnErr error
	defer cn.condRelease(&cnErr)

	cnErr = c.pipelineQuiet(cn, DELETEQ, keys, nil, 0, 0, func(key string, resp *Response) {
		if resp.Status != SUCCESS && resp.Status != KEY_ENOENT {
			result.addFailed(key)
		}
	})
	if cnErr != nil {
		result.addErr(cnErr)
	}
}
