package memcached

import (
	"time"

	"github.com/tylerwilliams/gomemcached/consistenthash"
)

type options struct {
	Client
	disableLogger bool
}

// Option configures a Client at construction time.
type Option func(*options)

// WithMaxIdleConns sets the per-server idle connection pool capacity.
// By default, pool.DefaultIdleCapacity is used.
func WithMaxIdleConns(num int) Option {
	return func(o *options) {
		o.Client.maxIdleConns = num
	}
}

// WithTimeout sets the socket read/write timeout.
// By default, DefaultTimeout is used.
func WithTimeout(tm time.Duration) Option {
	return func(o *options) {
		o.Client.timeout = tm
	}
}

// WithHashRingReplicas sets the number of virtual replicas placed on
// the consistent hash ring per server. By default,
// consistenthash.DefaultReplicas is used.
func WithHashRingReplicas(replicas int) Option {
	return func(o *options) {
		o.Client.ringReplicas = replicas
	}
}

// WithCustomHashRing installs a pre-built ring instead of letting the
// Client build one from its configured server list.
func WithCustomHashRing(hr *consistenthash.Ring) Option {
	return func(o *options) {
		o.Client.hr = hr
	}
}

// WithWorkers sets the number of workers in the Client's worker pool,
// used to fan multi-ops out across servers. By default, one worker per
// configured server is used.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.Client.workers = n
	}
}

// WithDisableMemcachedDiagnostic disables the library's Prometheus
// metric:
//
//	gomemcached_method_duration_seconds
func WithDisableMemcachedDiagnostic() Option {
	return func(o *options) {
		o.Client.disableMemcachedDiagnostic = true
	}
}

// WithDisableLogger disables internal library logs.
func WithDisableLogger() Option {
	return func(o *options) {
		o.disableLogger = true
	}
}

// WithEncoding installs the encode/decode pair used for any value
// that isn't already raw bytes or a plain integer. By default, cbor
// is used.
func WithEncoding(encode EncodeFunc, decode DecodeFunc) Option {
	return func(o *options) {
		o.Client.codec.encode = encode
		o.Client.codec.decode = decode
	}
}

// WithCompression installs a compress/decompress pair applied to
// non-numeric values after encoding. By default, no compression is
// applied.
func WithCompression(compress CompressFunc, decompress DecompressFunc) Option {
	return func(o *options) {
		o.Client.codec.compress = compress
		o.Client.codec.decompress = decompress
	}
}
