package memcached

import (
	"net"
	"strconv"
)

// config is the static server-list source read once at construction,
// either from functional options or from the environment via
// envconfig. It is never consulted again after the ring is built: this
// library has no cluster-membership protocol, so a server list can
// only be supplied, not maintained.
type config struct {
	// HeadlessServiceAddress is a DNS name resolved once, at
	// construction, into a set of individual node addresses.
	HeadlessServiceAddress string `envconfig:"MEMCACHED_HEADLESS_SERVICE_ADDRESS"`
	// Servers is an explicit list of "host:port" servers.
	Servers []string `envconfig:"MEMCACHED_SERVERS"`
	// MemcachedPort overrides the port used for addresses resolved
	// from HeadlessServiceAddress.
	MemcachedPort int `envconfig:"MEMCACHED_PORT" default:"11211"`
}

// getNodes resolves cfg into a flat list of "host:port" servers. It is
// called exactly once, during Client construction.
func getNodes(lookup func(host string) (addrs []string, err error), cfg *config) ([]string, error) {
	if cfg == nil {
		return []string{}, nil
	}

	if cfg.HeadlessServiceAddress != "" {
		addrs, err := lookup(cfg.HeadlessServiceAddress)
		if err != nil {
			return nil, err
		}

		nodes := make([]string, len(addrs))
		for i := range addrs {
			nodes[i] = net.JoinHostPort(addrs[i], strconv.Itoa(cfg.MemcachedPort))
		}
		return nodes, nil
	}

	if len(cfg.Servers) != 0 {
		return cfg.Servers, nil
	}

	return []string{}, nil
}
