// Package pool provides reference-counted, sync.Pool-backed allocation for
// the header and metadata objects that flow through the OBU parser.
//
// SequenceHeader and FrameHeader are published by swapping a private copy
// into a shared, refcounted slot (see the root package's DecoderContext and
// ReferenceSlot). Readers hold their own reference for as long as they need
// a consistent snapshot; the underlying object is recycled once the last
// reference is dropped. This mirrors the bucketed sync.Pool allocator the
// teacher package used for byte buffers, generalized with Go generics to
// typed, refcounted objects instead of raw []byte size classes.
package pool

import (
	"sync"
	"sync/atomic"
)

// Ref is a reference-counted handle to a pooled value of type T.
// The zero value is not usable; obtain one from a Pool.
type Ref[T any] struct {
	v    *T
	refs atomic.Int32
	pool *Pool[T]
}

// Get returns the underlying value. The caller must not retain the pointer
// past the last call to Unref.
func (r *Ref[T]) Get() *T {
	if r == nil {
		return nil
	}
	return r.v
}

// Ref increments the reference count and returns r, so callers can write
// `slot.hdr = hdr.Ref()` when sharing a header across a reference slot.
func (r *Ref[T]) Ref() *Ref[T] {
	if r != nil {
		r.refs.Add(1)
	}
	return r
}

// Unref decrements the reference count, recycling the value into its pool
// once the count reaches zero. Safe to call on a nil Ref.
func (r *Ref[T]) Unref() {
	if r == nil {
		return
	}
	if r.refs.Add(-1) == 0 {
		r.pool.put(r)
	}
}

// Pool allocates and recycles Ref[T] values. reset is called on a value
// pulled from the free list before it is handed back out, so stale field
// values never leak between generations.
type Pool[T any] struct {
	sp    sync.Pool
	reset func(*T)
}

// New creates a Pool for values of type T. reset may be nil if T's zero
// value is always a safe starting point; Get then zeroes recycled values.
func New[T any](reset func(*T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.sp.New = func() any {
		return &Ref[T]{v: new(T)}
	}
	return p
}

// Get returns a fresh, singly-referenced handle. Callers own the returned
// reference and must eventually call Unref.
func (p *Pool[T]) Get() *Ref[T] {
	r := p.sp.Get().(*Ref[T])
	r.pool = p
	r.refs.Store(1)
	if p.reset != nil {
		p.reset(r.v)
	} else {
		var zero T
		*r.v = zero
	}
	return r
}

func (p *Pool[T]) put(r *Ref[T]) {
	p.sp.Put(r)
}
