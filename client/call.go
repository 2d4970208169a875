package client

import (
	"context"
	"sync"

	"github.com/juju/clock"

	"campus-rpc/message"
)

// Call is the handle of one outstanding request.
type Call struct {
	Request *message.Request

	client *Client
	timer  clock.Timer
	done   chan struct{}

	mu        sync.Mutex
	completed bool
	resp      *message.Response
	err       error
	then      []func(*message.Response, error)
}

func newCall(c *Client, req *message.Request) *Call {
	return &Call{
		Request: req,
		client:  c,
		done:    make(chan struct{}),
	}
}

// ID returns the correlation id.
func (call *Call) ID() string {
	return call.Request.ID
}

// Done is closed when the call completes.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Result returns the outcome. Before completion both values are nil.
func (call *Call) Result() (*message.Response, error) {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.resp, call.err
}

// Wait blocks until the call completes or ctx ends. Ending ctx does not
// cancel the call.
func (call *Call) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-call.done:
		return call.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the call. It reports false if the call had already
// completed, in which case its result stands.
func (call *Call) Cancel() bool {
	return call.client.finish(call.Request.ID, nil, ErrCancelled)
}

// Then registers fn to receive the outcome. fn runs on its own goroutine,
// immediately if the call has already completed.
func (call *Call) Then(fn func(*message.Response, error)) *Call {
	call.mu.Lock()
	if !call.completed {
		call.then = append(call.then, fn)
		call.mu.Unlock()
		return call
	}
	resp, err := call.resp, call.err
	call.mu.Unlock()
	go fn(resp, err)
	return call
}

// complete is called by whoever removed the call from the pending map.
func (call *Call) complete(resp *message.Response, err error) {
	if call.timer != nil {
		call.timer.Stop()
	}

	call.mu.Lock()
	call.completed = true
	call.resp = resp
	call.err = err
	then := call.then
	call.then = nil
	call.mu.Unlock()

	close(call.done)
	for _, fn := range then {
		go fn(resp, err)
	}
}
