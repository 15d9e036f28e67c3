package pool

import (
	"fmt"
	"sync"
)

// Resettable objects are zeroed automatically on Put.
type Resettable interface {
	Reset()
}

// Pool is a typed wrapper over sync.Pool. The constructor is validated once
// at build time so Get never needs a checked type assertion.
type Pool[T any] struct {
	pool sync.Pool
}

func New[T any](newFn func() T) (*Pool[T], error) {
	if newFn == nil {
		return nil, fmt.Errorf("pool: constructor must not be nil")
	}
	if any(newFn()) == nil {
		return nil, fmt.Errorf("pool: constructor returned nil")
	}
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any { return newFn() },
		},
	}, nil
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}

// NewBuffer returns a pool of byte slices sized for streaming copies.
func NewBuffer(size int) *Pool[*[]byte] {
	p, _ := New(func() *[]byte {
		b := make([]byte, size)
		return &b
	})
	return p
}
