package rpc

import (
	"fmt"
	"sync"

	"github.com/calder/duplex/pkg/log"
)

// FlowFn is one middleware step. It may mutate and return the item; a
// false second return cancels the chain and the enclosing action.
type FlowFn[T any] func(item T, logger log.Logger) (T, bool)

// Flow is an ordered middleware chain. Steps run sequentially in
// registration order; a cancel or a panic stops the chain.
type Flow[T any] struct {
	mu  sync.RWMutex
	fns []FlowFn[T]

	// OnError receives panics raised by a step. After it runs the chain
	// is treated as canceled.
	OnError func(err error, item T, logger log.Logger)
}

func NewFlow[T any]() *Flow[T] {
	return &Flow[T]{}
}

// Push appends a step to the end of the chain.
func (f *Flow[T]) Push(fn FlowFn[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns = append(f.fns, fn)
}

// Len returns the number of registered steps.
func (f *Flow[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.fns)
}

// Exec runs every step in order. The returned bool is false if any step
// canceled the chain or panicked.
func (f *Flow[T]) Exec(item T, logger log.Logger) (T, bool) {
	f.mu.RLock()
	fns := f.fns
	f.mu.RUnlock()

	for _, fn := range fns {
		next, ok := f.execStep(fn, item, logger)
		if !ok {
			var zero T
			return zero, false
		}
		item = next
	}
	return item, true
}

func (f *Flow[T]) execStep(fn FlowFn[T], item T, logger log.Logger) (out T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err, isErr := r.(error)
			if !isErr {
				err = fmt.Errorf("%v", r)
			}
			if f.OnError != nil {
				f.OnError(err, item, logger)
			} else if logger != nil {
				logger.Error("flow middleware panic: " + err.Error())
			}
			ok = false
		}
	}()
	return fn(item, logger)
}
