package generic

import "sync"

// Pool is a typed sync.Pool. Values are passed through reset before they are
// stored again; reset may return false to drop a value instead.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) bool
}

func NewPool[T any](generate func() T, reset func(T) bool) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
		reset: reset,
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil && !p.reset(value) {
		return
	}
	p.pool.Put(value)
}

// NewBufferPool pools byte slices of initial capacity size. Buffers that grew
// beyond max are dropped so one large frame does not pin memory.
func NewBufferPool(size, max int) *Pool[*[]byte] {
	return NewPool(
		func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		},
		func(b *[]byte) bool {
			if cap(*b) > max {
				return false
			}
			*b = (*b)[:0]
			return true
		},
	)
}
