package memcached

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/tylerwilliams/gomemcached/consistenthash"
	"github.com/tylerwilliams/gomemcached/logger"
	"github.com/tylerwilliams/gomemcached/pool"
	"github.com/tylerwilliams/gomemcached/utils"
	"github.com/tylerwilliams/gomemcached/workerpool"
)

const (
	// DefaultTimeout is the default socket read/write timeout.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultMaxIdleConns is the default maximum number of idle connections
	// kept for any single address.
	DefaultMaxIdleConns = pool.DefaultIdleCapacity

	// DefaultSocketPoolingTimeout is kept for backward-compatible tuning
	// knobs; the pool itself never blocks on Acquire.
	DefaultSocketPoolingTimeout = 50 * time.Millisecond
)

var _ Memcached = (*Client)(nil)

type (
	Memcached interface {
		Store(storeMode StoreMode, key string, exp uint32, body []byte) (resp *Response, stored bool, err error)
		Get(key string) (resp *Response, found bool, err error)
		Delete(key string) (removed bool, err error)
		Delta(deltaMode DeltaMode, key string, delta, initial uint64, exp uint32) (newValue uint64, err error)
		Append(appendMode AppendMode, key string, data []byte) (resp *Response, stored bool, err error)
		FlushAll(exp uint32) error

		MultiGet(keys []string, hashkey string) (map[string][]byte, error)
		MultiStore(storeMode StoreMode, items map[string][]byte, exp uint32, hashkey string) ([]string, error)
		MultiDelete(keys []string, hashkey string) ([]string, error)

		Noop() error
		Version() (map[string]string, error)
		Stats() (map[string]map[string]string, error)
		Quit()

		CloseAllConns()
		CloseAvailableConnsInAllShardPools(numOfClose int) int
	}

	// Client is a memcached client sharding over a fixed, immutable set
	// of servers. It is safe for unlocked use by multiple concurrent
	// goroutines.
	Client struct {
		ctx context.Context
		nw  *network
		cfg *config

		// opaque is a counter handed out to correlate requests with
		// their responses on a pipelined connection.
		opaque *uint32

		// timeout specifies the socket read/write timeout.
		// If zero, DefaultTimeout is used.
		timeout time.Duration

		// maxIdleConns specifies the maximum number of idle connections that will
		// be maintained per address. If less than one, DefaultMaxIdleConns will be
		// used.
		maxIdleConns int

		// ringReplicas is the number of virtual points placed on the
		// hash ring per server. If zero, consistenthash.DefaultReplicas
		// is used.
		ringReplicas int

		// workers is the configured worker pool size used to build
		// workerPool. If zero, one worker per configured server is used
		// (workerpool.DefaultWorkers when no server is configured).
		workers int

		// hr is the consistent hash ring mapping keys to servers. Built
		// once at construction and never mutated afterward.
		hr *consistenthash.Ring

		// workerPool fans multi-op chunks out across servers without a
		// goroutine per request.
		workerPool *workerpool.Pool

		// codec turns caller values into wire bytes and back for
		// GetValue/StoreValue.
		codec valueCodec

		// disableMemcachedDiagnostic turns off the Prometheus histogram.
		disableMemcachedDiagnostic bool

		// fmu guards freeConns.
		fmu sync.RWMutex
		// freeConns is one idle connection pool per server address.
		freeConns map[string]*pool.Pool
	}

	network struct {
		dial        func(network string, address string) (net.Conn, error)
		dialTimeout func(network string, address string, timeout time.Duration) (net.Conn, error)
		lookupHost  func(host string) (addrs []string, err error)
	}

	conn struct {
		rc      io.ReadCloser
		addr    net.Addr
		c       *Client
		hdrBuf  []byte
		healthy bool
		wrtBuf  *bufio.Writer
	}
)

// InitFromEnv returns a memcached client using config.HeadlessServiceAddress
// or config.Servers, read from the environment via envconfig.
func InitFromEnv(opts ...Option) (*Client, error) {
	var (
		op  = new(options)
		cfg = new(config)
	)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("%s: client init err: %s", libPrefix, err.Error())
	}

	op.cfg = cfg

	for _, opt := range opts {
		opt(op)
	}

	return newFromConfig(op)
}

func newForTests(servers ...string) (*Client, error) {
	hr := consistenthash.NewRing(0)
	for _, s := range servers {
		addr, err := utils.AddrRepr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, err.Error())
		}
		hr.Add(addr)
	}
	cm := &Client{
		ctx:                        context.Background(),
		opaque:                     new(uint32),
		hr:                         hr,
		workerPool:                 workerpool.New(len(servers)),
		codec:                      defaultValueCodec(),
		disableMemcachedDiagnostic: true,
		nw: &network{
			dial:        net.Dial,
			dialTimeout: net.DialTimeout,
			lookupHost:  net.LookupHost,
		},
	}

	return cm, nil
}

func newFromConfig(op *options) (*Client, error) {
	if op.cfg != nil && !(op.cfg.HeadlessServiceAddress != "" || len(op.cfg.Servers) != 0) {
		return nil, fmt.Errorf("%w, you must fill in either MEMCACHED_HEADLESS_SERVICE_ADDRESS or MEMCACHED_SERVERS", ErrNotConfigured)
	}

	mc := &op.Client

	if mc.nw == nil {
		mc.nw = &network{
			dial:        net.Dial,
			dialTimeout: net.DialTimeout,
			lookupHost:  net.LookupHost,
		}
	}
	if mc.ctx == nil {
		mc.ctx = context.Background()
	}
	if mc.opaque == nil {
		mc.opaque = new(uint32)
	}
	if mc.codec.encode == nil && mc.codec.decode == nil {
		mc.codec = defaultValueCodec()
	}
	if op.disableLogger {
		logger.DisableLogger()
	}

	nodes, err := getNodes(mc.nw.lookupHost, op.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w, %s", ErrInvalidAddr, err.Error())
	}

	if mc.hr == nil {
		mc.hr = consistenthash.NewRing(mc.ringReplicas)
	}
	for _, n := range nodes {
		addr, err := utils.AddrRepr(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, err.Error())
		}
		mc.hr.Add(addr)
	}

	if mc.workers <= 0 {
		// Default worker-pool size tracks cluster size: one worker per
		// destination server keeps a multi-op's fan-out from queueing
		// behind itself when every server is busy.
		mc.workers = len(nodes)
	}
	mc.workerPool = workerpool.New(mc.workers)

	return mc, nil
}

// release returns this connection back to the client's free pool
func (cn *conn) release() {
	cn.c.putFreeConn(cn)
}

func (cn *conn) close() {
	if p, ok := cn.c.safeGetFreeConn(cn.addr); ok {
		p.Close(cn)
	} else {
		_ = cn.rc.Close()
	}
}

// condRelease releases this connection if the error pointed to by err
// is nil (not an error) or is only a protocol level error (e.g. a
// cache miss). The purpose is to not recycle TCP connections that
// are bad.
func (cn *conn) condRelease(err *error) {
	if (*err == nil || resumableError(*err)) && cn.healthy {
		cn.release()
	} else {
		cn.close()
	}
}

func (c *Client) getOpaque() uint32 {
	atomic.CompareAndSwapUint32(c.opaque, math.MaxUint32, uint32(0))
	return atomic.AddUint32(c.opaque, uint32(1))
}

func (c *Client) safeGetFreeConn(addr net.Addr) (*pool.Pool, bool) {
	c.fmu.RLock()
	defer c.fmu.RUnlock()
	connPool, ok := c.freeConns[addr.String()]
	return connPool, ok
}

func (c *Client) safeGetOrInitFreeConn(addr net.Addr) *pool.Pool {
	c.fmu.Lock()
	defer c.fmu.Unlock()

	connPool, ok := c.freeConns[addr.String()]
	if ok {
		return connPool
	}

	dialConn := func() (any, error) {
		nc, err := c.dial(addr)
		if err != nil {
			return nil, err
		}
		return &conn{
			rc:      nc,
			addr:    addr,
			c:       c,
			hdrBuf:  make([]byte, HDR_LEN),
			wrtBuf:  bufio.NewWriter(nc),
			healthy: true,
		}, nil
	}

	closeConn := func(cn any) {
		_ = cn.(*conn).rc.Close()
	}

	newPool := pool.New(c.getMaxIdleConns(), dialConn, closeConn)

	if c.freeConns == nil {
		c.freeConns = make(map[string]*pool.Pool)
	}
	c.freeConns[addr.String()] = newPool

	return newPool
}

func (c *Client) putFreeConn(cn *conn) {
	connPool, ok := c.safeGetFreeConn(cn.addr)
	if ok {
		connPool.Release(cn)
	} else {
		_ = cn.rc.Close()
	}
}

func (c *Client) getFreeConn(addr net.Addr) (*conn, error) {
	connPool := c.safeGetOrInitFreeConn(addr)

	connRaw, err := connPool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%s: Acquire from pool error - %w", libPrefix, err)
	}

	cn := connRaw.(*conn)
	if nc, ok := cn.rc.(net.Conn); ok && c.netTimeout() > 0 {
		_ = nc.SetDeadline(time.Now().Add(c.netTimeout()))
	}
	return cn, nil
}

func (c *Client) netTimeout() time.Duration {
	if c.timeout != 0 {
		return c.timeout
	}
	return DefaultTimeout
}

func (c *Client) getMaxIdleConns() int {
	if c.maxIdleConns > 0 {
		return c.maxIdleConns
	}
	return DefaultMaxIdleConns
}

// ConnectTimeoutError is the error type used when it takes
// too long to connect to the desired host. This level of
// detail can generally be ignored.
type ConnectTimeoutError struct {
	Addr net.Addr
}

func (cte *ConnectTimeoutError) Error() string {
	return "connect timeout to " + cte.Addr.String()
}

func (c *Client) dial(addr net.Addr) (net.Conn, error) {
	if c.netTimeout() > 0 {
		nc, err := c.nw.dialTimeout(addr.Network(), addr.String(), c.netTimeout())
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, &ConnectTimeoutError{addr}
			}
			return nil, err
		}
		return nc, nil
	}
	return c.nw.dial(addr.Network(), addr.String())
}

func (c *Client) getConnForNode(node consistenthash.Endpoint) (*conn, error) {
	addr, ok := node.(net.Addr)
	if !ok {
		return nil, ErrInvalidAddr
	}
	return c.getFreeConn(addr)
}

// wrapConnErr distinguishes a memcached protocol-status error (cache
// miss, not-stored, ...) from a raw transport failure. Only the
// latter is reported as ErrConnectionClosed, the signal the retry
// wrapper clears pools and retries once on.
func wrapConnErr(err error) error {
	if err == nil {
		return nil
	}
	var resp *Response
	if errors.As(err, &resp) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// withRetry runs op once. If it fails with ErrConnectionClosed, every
// idle connection in every server's pool is cleared and op is retried
// exactly once, on the theory that the failure was one dead
// connection rather than a dead server.
func (c *Client) withRetry(op func() (*Response, error)) (*Response, error) {
	resp, err := op()
	if err != nil && errors.Is(err, ErrConnectionClosed) {
		c.clearAllPools()
		return op()
	}
	return resp, err
}

func (c *Client) clearAllPools() {
	c.fmu.RLock()
	defer c.fmu.RUnlock()
	for _, p := range c.freeConns {
		p.Clear()
	}
}

// Store writes the provided item with expiration. stored is false,
// with a nil error, when the store's condition was not met (ADD on an
// existing key, REPLACE on a missing one, or a plain NOT_STORED);
// every other non-zero status is returned as err.
func (c *Client) Store(storeMode StoreMode, key string, exp uint32, body []byte) (*Response, bool, error) {
	return c.storeFlags(storeMode, key, exp, 0, body)
}

// StoreValue serializes value through the Client's value codec and
// stores it, recording the flags needed to reverse the encoding on a
// later GetValue.
func (c *Client) StoreValue(storeMode StoreMode, key string, exp uint32, value any) (bool, error) {
	flags, data, err := c.codec.serialize(value)
	if err != nil {
		return false, err
	}
	_, stored, err := c.storeFlags(storeMode, key, exp, flags, data)
	return stored, err
}

func (c *Client) storeFlags(storeMode StoreMode, key string, exp, flags uint32, body []byte) (resp *Response, stored bool, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Store", timer, &err)

	if !legalKey(key) {
		return nil, false, ErrMalformedKey
	}

	node, found := c.hr.Lookup([]byte(key))
	if !found {
		return nil, false, ErrNoServers
	}

	resp, err = c.withRetry(func() (*Response, error) {
		cn, cerr := c.getConnForNode(node)
		if cerr != nil {
			return nil, cerr
		}
		return c.store(cn, storeMode.Resolve(), key, exp, flags, c.getOpaque(), body)
	})
	stored, err = semanticOutcome(err, ErrCacheMiss, ErrNotStored)
	return resp, stored, err
}

func (c *Client) store(cn *conn, opcode OpCode, key string, exp, flags, opaque uint32, body []byte) (*Response, error) {
	req := &Request{
		Opcode: opcode,
		Key:    []byte(key),
		Opaque: opaque,
		Body:   body,
	}
	req.prepareExtras(exp, 0, 0, flags)
	return c.send(cn, req)
}

func (c *Client) send(cn *conn, req *Request) (resp *Response, err error) {
	defer cn.condRelease(&err)

	if _, err = transmitRequest(cn.wrtBuf, req); err != nil {
		cn.healthy = false
		err = wrapConnErr(err)
		return
	}

	if err = cn.wrtBuf.Flush(); err != nil {
		err = wrapConnErr(err)
		return
	}

	resp, _, err = getResponse(cn.rc, cn.hdrBuf)
	if isFatal(err) {
		cn.healthy = false
		err = wrapConnErr(err)
		return
	}
	cn.healthy = true
	return resp, err
}

// Get returns the item for the provided key. found is false, with a
// nil error, when the key is simply missing; any other non-zero
// status is returned as err.
func (c *Client) Get(key string) (resp *Response, found bool, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Get", timer, &err)

	if !legalKey(key) {
		return nil, false, ErrMalformedKey
	}

	node, ok := c.hr.Lookup([]byte(key))
	if !ok {
		return nil, false, ErrNoServers
	}

	resp, err = c.withRetry(func() (*Response, error) {
		cn, cerr := c.getConnForNode(node)
		if cerr != nil {
			return nil, cerr
		}

		req := &Request{
			Opcode: GET,
			Opaque: c.getOpaque(),
			Key:    []byte(key),
		}
		req.prepareExtras(0, 0, 0, 0)

		return c.send(cn, req)
	})
	found, err = semanticOutcome(err, ErrCacheMiss)
	return resp, found, err
}

// GetValue fetches key and reverses whatever encoding StoreValue
// applied, using the flags recorded on the item. found follows Get's
// contract: false with a nil error on a cache miss.
func (c *Client) GetValue(key string) (value any, found bool, err error) {
	resp, found, err := c.Get(key)
	if err != nil || !found {
		return nil, found, err
	}

	var flags uint32
	if len(resp.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(resp.Extras[:4])
	}

	value, err = c.codec.deserialize(resp.Body, flags)
	return value, true, err
}

// Delete deletes the element with the provided key. removed is false,
// with a nil error, when the key was already missing (or, per the
// binary protocol, on a CAS mismatch); any other non-zero status is
// returned as err.
func (c *Client) Delete(key string) (removed bool, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Delete", timer, &err)

	if !legalKey(key) {
		return false, ErrMalformedKey
	}

	node, ok := c.hr.Lookup([]byte(key))
	if !ok {
		return false, ErrNoServers
	}

	_, err = c.withRetry(func() (*Response, error) {
		cn, cerr := c.getConnForNode(node)
		if cerr != nil {
			return nil, cerr
		}

		req := &Request{
			Opcode: DELETE,
			Opaque: c.getOpaque(),
			Key:    []byte(key),
		}
		req.prepareExtras(0, 0, 0, 0)

		return c.send(cn, req)
	})
	return semanticOutcome(err, ErrCacheMiss, ErrNotStored)
}

// Delta atomically increments/decrements a value by delta. The return
// value is the new value after being incremented/decremented.
func (c *Client) Delta(deltaMode DeltaMode, key string, delta, initial uint64, exp uint32) (newValue uint64, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Delta", timer, &err)

	if !legalKey(key) {
		return 0, ErrMalformedKey
	}

	node, found := c.hr.Lookup([]byte(key))
	if !found {
		return 0, ErrNoServers
	}

	resp, err := c.withRetry(func() (*Response, error) {
		cn, cerr := c.getConnForNode(node)
		if cerr != nil {
			return nil, cerr
		}

		req := &Request{
			Opcode: deltaMode.Resolve(),
			Key:    []byte(key),
		}
		req.prepareExtras(exp, delta, initial, 0)

		return c.send(cn, req)
	})
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(resp.Body), nil
}

// Append appends/prepends the given data to the existing item, if a
// value already exists for its key. stored is false, with a nil
// error, when no value exists yet for the key; any other non-zero
// status is returned as err.
func (c *Client) Append(appendMode AppendMode, key string, data []byte) (resp *Response, stored bool, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Append", timer, &err)

	if !legalKey(key) {
		return nil, false, ErrMalformedKey
	}

	node, ok := c.hr.Lookup([]byte(key))
	if !ok {
		return nil, false, ErrNoServers
	}

	resp, err = c.withRetry(func() (*Response, error) {
		cn, cerr := c.getConnForNode(node)
		if cerr != nil {
			return nil, cerr
		}

		req := &Request{
			Opcode: appendMode.Resolve(),
			Opaque: c.getOpaque(),
			Key:    []byte(key),
			Body:   data,
		}
		req.prepareExtras(0, 0, 0, 0)

		return c.send(cn, req)
	})
	stored, err = semanticOutcome(err, ErrNotStored)
	return resp, stored, err
}

// FlushAll deletes all items in the cache on every server.
func (c *Client) FlushAll(exp uint32) (err error) {
	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("FlushAll", timerMethod, &err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		multiErr error

		nodes = c.hr.All()
	)

	addToMultiErr := func(e error) {
		mu.Lock()
		defer mu.Unlock()
		multiErr = errors.Join(multiErr, e)
	}

	for _, node := range nodes {
		node := node
		wg.Add(1)
		c.workerPool.Submit(func() {
			defer wg.Done()

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				addToMultiErr(nErr)
				return
			}

			var cnErr error
			defer cn.condRelease(&cnErr)

			req := &Request{Opcode: FLUSH}
			req.prepareExtras(exp, 0, 0, 0)

			if _, cnErr = transmitRequest(cn.wrtBuf, req); cnErr != nil {
				cn.healthy = false
				addToMultiErr(wrapConnErr(cnErr))
				return
			}

			if cnErr = cn.wrtBuf.Flush(); cnErr != nil {
				addToMultiErr(wrapConnErr(cnErr))
				return
			}

			_, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
			if cnErr != nil {
				if isFatal(cnErr) {
					cn.healthy = false
				}
				addToMultiErr(cnErr)
			}
		})
	}

	wg.Wait()

	return multiErr
}

// Noop pings every server, returning a joined error for any that
// didn't answer.
func (c *Client) Noop() error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		multiErr error
	)

	for _, node := range c.hr.All() {
		node := node
		wg.Add(1)
		c.workerPool.Submit(func() {
			defer wg.Done()

			cn, err := c.getConnForNode(node)
			if err != nil {
				mu.Lock()
				multiErr = errors.Join(multiErr, err)
				mu.Unlock()
				return
			}

			var cnErr error
			defer cn.condRelease(&cnErr)

			req := &Request{Opcode: NOOP, Opaque: c.getOpaque()}
			req.prepareExtras(0, 0, 0, 0)

			if _, cnErr = transmitRequest(cn.wrtBuf, req); cnErr == nil {
				if cnErr = cn.wrtBuf.Flush(); cnErr == nil {
					_, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
				}
			}
			if isFatal(cnErr) {
				cn.healthy = false
			}
			if cnErr != nil {
				mu.Lock()
				multiErr = errors.Join(multiErr, cnErr)
				mu.Unlock()
			}
		})
	}

	wg.Wait()

	return multiErr
}

// Version returns the server version string reported by each node,
// keyed by "host:port".
func (c *Client) Version() (map[string]string, error) {
	nodes := c.hr.All()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	out := make(map[string]string, len(nodes))
	var multiErr error

	for _, node := range nodes {
		node := node
		wg.Add(1)
		c.workerPool.Submit(func() {
			defer wg.Done()

			cn, err := c.getConnForNode(node)
			if err != nil {
				mu.Lock()
				multiErr = errors.Join(multiErr, err)
				mu.Unlock()
				return
			}

			var cnErr error
			defer cn.condRelease(&cnErr)

			req := &Request{Opcode: VERSION, Opaque: c.getOpaque()}
			req.prepareExtras(0, 0, 0, 0)

			if _, cnErr = transmitRequest(cn.wrtBuf, req); cnErr != nil {
				cn.healthy = false
				mu.Lock()
				multiErr = errors.Join(multiErr, wrapConnErr(cnErr))
				mu.Unlock()
				return
			}
			if cnErr = cn.wrtBuf.Flush(); cnErr != nil {
				mu.Lock()
				multiErr = errors.Join(multiErr, wrapConnErr(cnErr))
				mu.Unlock()
				return
			}

			var resp *Response
			resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
			if cnErr != nil {
				if isFatal(cnErr) {
					cn.healthy = false
				}
				mu.Lock()
				multiErr = errors.Join(multiErr, cnErr)
				mu.Unlock()
				return
			}

			mu.Lock()
			out[node.String()] = string(resp.Body)
			mu.Unlock()
		})
	}

	wg.Wait()

	return out, multiErr
}

// Stats returns the memcached STAT output for each node, keyed by
// "host:port".
func (c *Client) Stats() (map[string]map[string]string, error) {
	nodes := c.hr.All()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	out := make(map[string]map[string]string, len(nodes))
	var multiErr error

	for _, node := range nodes {
		node := node
		wg.Add(1)
		c.workerPool.Submit(func() {
			defer wg.Done()

			stats, err := c.nodeStats(node)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				multiErr = errors.Join(multiErr, err)
				return
			}
			out[node.String()] = stats
		})
	}

	wg.Wait()

	if len(out) == 0 {
		if multiErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoStats, multiErr)
		}
		return nil, ErrNoStats
	}

	return out, multiErr
}

func (c *Client) nodeStats(node consistenthash.Endpoint) (map[string]string, error) {
	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}

	var cnErr error
	defer cn.condRelease(&cnErr)

	req := &Request{Opcode: STAT, Opaque: c.getOpaque()}
	req.prepareExtras(0, 0, 0, 0)

	if _, cnErr = transmitRequest(cn.wrtBuf, req); cnErr != nil {
		cn.healthy = false
		return nil, wrapConnErr(cnErr)
	}
	if cnErr = cn.wrtBuf.Flush(); cnErr != nil {
		return nil, wrapConnErr(cnErr)
	}

	out := make(map[string]string)
	for {
		var resp *Response
		resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
		if cnErr != nil {
			if isFatal(cnErr) {
				cn.healthy = false
			}
			return nil, cnErr
		}
		if len(resp.Key) == 0 {
			return out, nil
		}
		out[string(resp.Key)] = string(resp.Body)
	}
}

// Quit tells every server it may close the connection, then closes
// and discards every local pool.
func (c *Client) Quit() {
	var wg sync.WaitGroup

	for _, node := range c.hr.All() {
		node := node
		wg.Add(1)
		c.workerPool.Submit(func() {
			defer wg.Done()

			cn, err := c.getConnForNode(node)
			if err != nil {
				return
			}

			req := &Request{Opcode: QUIT, Opaque: c.getOpaque()}
			req.prepareExtras(0, 0, 0, 0)

			_, _ = transmitRequest(cn.wrtBuf, req)
			_ = cn.wrtBuf.Flush()
			cn.close()
		})
	}

	wg.Wait()

	c.CloseAllConns()
}

// CloseAllConns closes all opened connections per shard. Once closed,
// resources should be released.
func (c *Client) CloseAllConns() {
	c.fmu.Lock()
	defer c.fmu.Unlock()

	for addr, connPool := range c.freeConns {
		connPool.Destroy()
		delete(c.freeConns, addr)
	}

	c.workerPool.Close()
}

// CloseAvailableConnsInAllShardPools removes the specified number of
// idle connections from the pools of all shards.
func (c *Client) CloseAvailableConnsInAllShardPools(numOfClose int) int {
	var closed int

	c.fmu.Lock()
	defer c.fmu.Unlock()

	for _, p := range c.freeConns {
		for i := 0; i < numOfClose; i++ {
			if connRaw, ok := p.Pop(); ok {
				p.Close(connRaw)
				closed++
			}
		}
	}

	return closed
}

func (c *Client) writeMethodDiagnostics(methodName string, timer time.Time, err *error) {
	if methodName == "" || c.disableMemcachedDiagnostic {
		return
	}

	observeMethodDurationSeconds(methodName, time.Since(timer).Seconds(), *err == nil)
}

// legalKey reports whether key is usable as a memcached key: at most
// 250 bytes. Unlike some client libraries, whitespace and control
// characters aren't rejected, since the binary protocol carries key
// length explicitly and never delimits on them.
func legalKey(key string) bool {
	return len(key) > 0 && len(key) <= 250
}
