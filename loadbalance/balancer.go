// Package loadbalance picks one service instance out of those a registry
// returned.
//
//   - RoundRobin:     equal-capacity instances
//   - WeightedRandom: instances with different capacity, per their Weight
package loadbalance

import (
	"github.com/juju/errors"

	"campus-rpc/registry"
)

// ErrNoInstances is returned by Pick when the instance list is empty.
const ErrNoInstances = errors.ConstError("no instances available")

// Balancer selects a target instance. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error)

	// Name returns the strategy name, for logging.
	Name() string
}

// ByName returns the balancer registered under name ("roundrobin" or
// "weighted").
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
