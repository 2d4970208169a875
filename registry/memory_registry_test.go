package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "campus")

	reg.Register(ctx, "campus", ServiceInstance{Addr: ":8001", Weight: 1}, 10)
	select {
	case insts := <-updates:
		if len(insts) != 1 {
			t.Fatalf("expect 1 instance in update, got %v", insts)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update after register")
	}

	reg.Register(ctx, "campus", ServiceInstance{Addr: ":8002", Weight: 1}, 10)
	reg.Register(ctx, "campus", ServiceInstance{Addr: ":8001", Weight: 5}, 10)

	insts, _ := reg.Discover(ctx, "campus")
	if len(insts) != 2 {
		t.Fatalf("re-registering an address must replace it, got %v", insts)
	}
	if insts[0].Weight != 5 {
		t.Fatalf("expect updated weight 5, got %d", insts[0].Weight)
	}

	reg.Deregister(ctx, "campus", ":8001")
	insts, _ = reg.Discover(ctx, "campus")
	if len(insts) != 1 || insts[0].Addr != ":8002" {
		t.Fatalf("unexpected instances after deregister: %v", insts)
	}

	cancel()
	select {
	case _, ok := <-updates:
		for ok {
			_, ok = <-updates
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
