package client

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"campus-rpc/loadbalance"
	"campus-rpc/registry"
)

// DialService discovers the instances of service, lets bal pick one and
// returns a Client connected to it. While no instance is registered it waits
// for one to appear until ctx ends; a context that never ends fails at once
// with loadbalance.ErrNoInstances.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) (*Client, error) {
	instances, err := discover(ctx, reg, service)
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", service)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, errors.Annotatef(err, "picking %s instance with %s", service, bal.Name())
	}

	c := New(opts...)
	if err := c.dial(ctx, inst.Addr); err != nil {
		return nil, errors.Trace(err)
	}
	c.logger.Debug("dialled service", zap.String("service", service), zap.String("balancer", bal.Name()))
	return c, nil
}

// discover returns the registered instances, watching the registry for the
// first one when there are none yet. It returns an empty list once ctx ends.
func discover(ctx context.Context, reg registry.Registry, service string) ([]registry.ServiceInstance, error) {
	if ctx.Done() == nil {
		return reg.Discover(ctx, service)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Watch before Discover so a registration in between is not missed.
	updates := reg.Watch(watchCtx, service)
	instances, err := reg.Discover(ctx, service)
	if err != nil || len(instances) > 0 {
		return instances, err
	}
	for {
		select {
		case instances, ok := <-updates:
			if !ok {
				return nil, nil
			}
			if len(instances) > 0 {
				return instances, nil
			}
		case <-ctx.Done():
			return nil, nil
		}
	}
}
