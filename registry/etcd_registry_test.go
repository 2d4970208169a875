package registry

import (
	"context"
	"os"
	"testing"
	"time"
)

// newTestEtcdRegistry connects to the etcd named by CAMPUS_RPC_ETCD, skipping
// the test when none is configured.
func newTestEtcdRegistry(t *testing.T) *EtcdRegistry {
	endpoint := os.Getenv("CAMPUS_RPC_ETCD")
	if endpoint == "" {
		t.Skip("CAMPUS_RPC_ETCD not set")
	}
	reg, err := NewEtcdRegistry([]string{endpoint}, 2*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "campus-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "campus-test", inst2, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "campus-test", inst2.Addr)

	instances, err := reg.Discover(ctx, "campus-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "campus-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "campus-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s after deregister, got %v", inst2.Addr, instances)
	}
}
