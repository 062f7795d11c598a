package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"backsync/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring with virtual nodes, so
// adding or removing one endpoint only moves the keys that landed on it.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int                                  // Virtual nodes per real instance
	ring     []uint32                             // Sorted hash values on the ring
	nodes    map[uint32]*registry.ServiceInstance // Hash value → instance
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places instance on the ring, hashing "{addr}#{i}" for each virtual node.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick returns the first node clockwise from the key's hash, wrapping at the end.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// StickyBalancer adapts the hash ring to Balancer for a fixed client key. The ring is
// rebuilt only when the discovered instance set changes.
type StickyBalancer struct {
	key string

	mu   sync.Mutex
	sig  string
	ring *ConsistentHashBalancer
}

func NewStickyBalancer(key string) *StickyBalancer {
	return &StickyBalancer{key: key}
}

func (b *StickyBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := fmt.Sprint(addrs)

	if b.ring == nil || sig != b.sig {
		ring := NewConsistentHashBalancer()
		for i := range instances {
			inst := instances[i]
			ring.Add(&inst)
		}
		b.ring, b.sig = ring, sig
	}
	return b.ring.Pick(b.key)
}

func (b *StickyBalancer) Name() string {
	return "sticky"
}
