// Package loadbalance picks which advertised Backsync endpoint a client connects to.
//
// A client holds one connection at a time, so a pick happens once per connect or
// reconnect attempt, not per request.
//   - RoundRobin:      spread successive (re)connects evenly
//   - WeightedRandom:  favour bigger servers
//   - Sticky:          keep a client on the same server across reconnects (consistent hash)
package loadbalance

import (
	"errors"

	"backsync/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects a target endpoint from the discovered list. Must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer for a config name. key is only used by "sticky".
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "sticky":
		return NewStickyBalancer(key), nil
	}
	return nil, errors.New("unknown balancer " + name)
}
