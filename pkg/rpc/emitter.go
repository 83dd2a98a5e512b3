package rpc

import (
	"reflect"
	"sync"
)

type emitterHandler func(args ...any)

type emitterSub struct {
	fn   emitterHandler
	fnID uintptr
	tag  any
	once bool
}

// EventEmitter is a name-keyed subscriber table with synchronous,
// registration-ordered delivery.
type EventEmitter struct {
	mu   sync.Mutex
	subs map[string][]*emitterSub
}

func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		subs: make(map[string][]*emitterSub),
	}
}

func handlerID(fn emitterHandler) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// On appends a subscriber. The (handler, tag) pair is deduplicated;
// registering the same pair twice is a no-op.
func (e *EventEmitter) On(name string, fn emitterHandler, tag ...any) {
	e.on(name, fn, tagOf(tag), false)
}

// Once registers a subscriber that detaches after one delivery.
func (e *EventEmitter) Once(name string, fn emitterHandler, tag ...any) {
	e.on(name, fn, tagOf(tag), true)
}

func tagOf(tag []any) any {
	if len(tag) > 0 {
		return tag[0]
	}
	return nil
}

func (e *EventEmitter) on(name string, fn emitterHandler, tag any, once bool) {
	id := handlerID(fn)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range e.subs[name] {
		if sub.fnID == id && sub.tag == tag {
			return
		}
	}
	e.subs[name] = append(e.subs[name], &emitterSub{fn: fn, fnID: id, tag: tag, once: once})
}

// Off removes matching subscribers. With fn nil every subscriber of the
// name is removed; otherwise only the (fn, tag) pair.
func (e *EventEmitter) Off(name string, fn emitterHandler, tag ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fn == nil {
		delete(e.subs, name)
		return
	}

	id := handlerID(fn)
	t := tagOf(tag)
	kept := e.subs[name][:0]
	for _, sub := range e.subs[name] {
		if sub.fnID == id && sub.tag == t {
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == 0 {
		delete(e.subs, name)
	} else {
		e.subs[name] = kept
	}
}

// Names returns the event names that currently have subscribers.
func (e *EventEmitter) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.subs))
	for name := range e.subs {
		names = append(names, name)
	}
	return names
}

// CountOf returns the number of subscribers for a name.
func (e *EventEmitter) CountOf(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[name])
}

// Emit delivers synchronously in registration order. A panicking
// subscriber does not prevent delivery to the rest.
func (e *EventEmitter) Emit(name string, args ...any) {
	e.mu.Lock()
	subs := make([]*emitterSub, len(e.subs[name]))
	copy(subs, e.subs[name])

	kept := e.subs[name][:0]
	for _, sub := range e.subs[name] {
		if !sub.once {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(e.subs, name)
	} else {
		e.subs[name] = kept
	}
	e.mu.Unlock()

	for _, sub := range subs {
		deliver(sub.fn, args)
	}
}

func deliver(fn emitterHandler, args []any) {
	defer func() {
		recover()
	}()
	fn(args...)
}
