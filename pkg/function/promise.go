package function

import (
	"context"
	"sync"
)

// Promise is an abstraction like javascript Promise, settled at most once.
// It is the result sink of registrations and invocations.
type Promise struct {
	once sync.Once
	done chan struct{}
	res  map[string]interface{}
	err  error
}

// NewPromise initializes a pending Promise
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve settles the promise with a value, it returns false if it was already settled
func (p *Promise) Resolve(res map[string]interface{}) bool {
	return p.settle(res, nil)
}

// Reject settles the promise with an error, it returns false if it was already settled
func (p *Promise) Reject(err error) bool {
	return p.settle(nil, err)
}

func (p *Promise) settle(res map[string]interface{}, err error) bool {
	settled := false
	p.once.Do(func() {
		p.res, p.err = res, err
		settled = true
		close(p.done)
	})
	return settled
}

// Done is closed once the promise is settled
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether Resolve or Reject has been called
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise is settled or the context is done
func (p *Promise) Wait(ctx context.Context) (map[string]interface{}, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value returns the resolved value, nil while pending or when rejected
func (p *Promise) Value() map[string]interface{} {
	if !p.Settled() {
		return nil
	}
	return p.res
}

// Err returns the rejection error, nil while pending or when resolved
func (p *Promise) Err() error {
	if !p.Settled() {
		return nil
	}
	return p.err
}
