package main

import (
	"chanrpc/config"
	"chanrpc/registry"
)

// openRegistry connects to etcd when endpoints are configured. Without them
// the registry is process-local, which is only useful for a server that is
// called directly by address.
func openRegistry(c config.RegistryConfig) (registry.Registry, error) {
	if len(c.Endpoints) == 0 {
		return registry.NewMemoryRegistry(), nil
	}
	return registry.NewEtcdRegistry(c.Endpoints, c.DialTimeout)
}
