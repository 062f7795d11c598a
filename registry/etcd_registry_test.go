package registry

import (
	"os"
	"strings"
	"testing"
	"time"
)

// Needs a running etcd: BACKSYNC_ETCD_ENDPOINTS=127.0.0.1:2379 go test ./registry
func TestEtcdRegisterAndDiscover(t *testing.T) {
	endpoints := os.Getenv("BACKSYNC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("BACKSYNC_ETCD_ENDPOINTS not set")
	}

	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	inst1 := ServiceInstance{Addr: "ws://127.0.0.1:8001/backsync", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "ws://127.0.0.1:8002/backsync", Weight: 5, Version: "1.0"}

	if err := reg.Register("sendor-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("sendor-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("sendor-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("sendor-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("sendor-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s, got %+v", inst2.Addr, instances)
	}

	reg.Deregister("sendor-test", inst2.Addr)
}
