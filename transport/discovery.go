package transport

import (
	"context"
	"fmt"

	"backsync/codec"
	"backsync/loadbalance"
	"backsync/registry"
)

// DiscoveryDialer resolves an endpoint from a registry on every Dial, so a reconnect may
// land on a different server when the first one is gone.
type DiscoveryDialer struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer
	Service  string
	Codec    codec.CodecType // Used for tcp:// endpoints
	Options  []ConnOption
}

func (d *DiscoveryDialer) Dial(ctx context.Context) (Conn, error) {
	instances, err := d.Registry.Discover(d.Service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", d.Service, err)
	}

	instance, err := d.Balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s endpoint: %w", d.Service, err)
	}

	dialer, err := DialerForURL(instance.Addr, d.Codec, d.Options...)
	if err != nil {
		return nil, err
	}
	return dialer.Dial(ctx)
}
