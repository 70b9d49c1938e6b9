// Package callback keeps pending reply handlers keyed by a numeric prefix
// (the channel number, 0 for the connection) and a string key (a method name).
package callback

import (
	"reflect"
	"slices"
)

// Callback is a registration handle. Registries compare handles by pointer,
// so the same function wrapped twice is two distinct callbacks.
type Callback[V any] struct {
	fn func(V)
}

// New wraps fn in a handle.
func New[V any](fn func(V)) *Callback[V] {
	return &Callback[V]{fn: fn}
}

// FieldMatcher is implemented by dispatched values that support field filters.
type FieldMatcher interface {
	FieldValue(name string) (any, bool)
}

type options struct {
	persistent bool
	caller     any
	filter     map[string]any
}

// Option configures a registration.
type Option func(*options)

// Persistent keeps the entry after it fires. Entries are one-shot by default.
func Persistent() Option {
	return func(o *options) { o.persistent = true }
}

// OnlyCaller restricts the entry to dispatches from caller. caller must be comparable.
func OnlyCaller(caller any) Option {
	return func(o *options) { o.caller = caller }
}

// MatchFields restricts the entry to values whose named fields equal filter.
func MatchFields(filter map[string]any) Option {
	return func(o *options) {
		if len(filter) > 0 {
			o.filter = filter
		}
	}
}

type entry[V any] struct {
	cb      *Callback[V]
	opts    options
	uses    int
	removed bool
}

func (e *entry[V]) same(cb *Callback[V], o options) bool {
	return e.cb == cb && e.opts.caller == o.caller && reflect.DeepEqual(e.opts.filter, o.filter)
}

func (e *entry[V]) matches(caller any, value V) bool {
	if e.opts.caller != nil && e.opts.caller != caller {
		return false
	}
	if e.opts.filter == nil {
		return true
	}
	fm, ok := any(value).(FieldMatcher)
	if !ok {
		return false
	}
	for name, want := range e.opts.filter {
		got, ok := fm.FieldValue(name)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Registry is a prefix and key keyed multimap of callbacks. It is not safe
// for concurrent use.
type Registry[V any] struct {
	stack map[uint16]map[string][]*entry[V]
}

// NewRegistry creates an empty registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{stack: make(map[uint16]map[string][]*entry[V])}
}

// Add registers cb under prefix and key and returns it. Registering the same
// one-shot (cb, caller, filter) again adds a use instead of a second entry.
func (r *Registry[V]) Add(prefix uint16, key string, cb *Callback[V], opts ...Option) *Callback[V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	keys := r.stack[prefix]
	if keys == nil {
		keys = make(map[string][]*entry[V])
		r.stack[prefix] = keys
	}

	for _, e := range keys[key] {
		if !e.same(cb, o) {
			continue
		}
		if !o.persistent && !e.opts.persistent {
			e.uses++
			return cb
		}
		if o.persistent && e.opts.persistent {
			return cb
		}
	}

	keys[key] = append(keys[key], &entry[V]{cb: cb, opts: o, uses: 1})
	return cb
}

// Process invokes every matching callback under prefix and key in
// registration order and reports whether any fired. One-shot entries are
// consumed before their callback runs, so a callback may re-register itself.
func (r *Registry[V]) Process(prefix uint16, key string, caller any, value V) bool {
	entries := slices.Clone(r.stack[prefix][key])

	fired := false
	for _, e := range entries {
		if e.removed || !e.matches(caller, value) {
			continue
		}
		if !e.opts.persistent {
			e.uses--
			if e.uses <= 0 {
				r.drop(prefix, key, e)
			}
		}
		fired = true
		e.cb.fn(value)
	}
	return fired
}

// Remove deletes cb from prefix and key, or every callback there when cb is
// nil. It reports whether anything was removed.
func (r *Registry[V]) Remove(prefix uint16, key string, cb *Callback[V]) bool {
	entries := r.stack[prefix][key]
	removed := false
	for _, e := range entries {
		if cb == nil || e.cb == cb {
			r.drop(prefix, key, e)
			removed = true
		}
	}
	return removed
}

// Cleanup removes every callback under prefix.
func (r *Registry[V]) Cleanup(prefix uint16) bool {
	keys, ok := r.stack[prefix]
	if !ok {
		return false
	}
	for _, entries := range keys {
		for _, e := range entries {
			e.removed = true
		}
	}
	delete(r.stack, prefix)
	return true
}

// Pending returns the number of entries registered under prefix and key.
func (r *Registry[V]) Pending(prefix uint16, key string) int {
	return len(r.stack[prefix][key])
}

// Uses returns the remaining uses of cb under prefix and key, or 0 if it is
// not registered. Persistent entries report 1.
func (r *Registry[V]) Uses(prefix uint16, key string, cb *Callback[V]) int {
	total := 0
	for _, e := range r.stack[prefix][key] {
		if e.cb == cb {
			total += e.uses
		}
	}
	return total
}

// Has reports whether anything is registered under prefix.
func (r *Registry[V]) Has(prefix uint16) bool {
	return len(r.stack[prefix]) > 0
}

func (r *Registry[V]) drop(prefix uint16, key string, target *entry[V]) {
	target.removed = true

	keys := r.stack[prefix]
	entries := slices.DeleteFunc(slices.Clone(keys[key]), func(e *entry[V]) bool { return e == target })
	if len(entries) == 0 {
		delete(keys, key)
	} else {
		keys[key] = entries
	}
	if len(keys) == 0 {
		delete(r.stack, prefix)
	}
}
