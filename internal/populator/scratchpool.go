package populator

import "sync"

// scratchPool recycles install-unit-sized scratch buffers across populate
// calls. Grounded on the teacher's size-classed, sync.Pool-backed
// MemoryPool (internal/allocator/pool.go), generalized from fixed
// {64,128,256,512,1024}-byte classes to a single class per distinct
// install-unit size actually in use (one per object, in practice, since
// min_load_elements is fixed for an object's lifetime).
type scratchPool struct {
	mu     sync.Mutex
	pools  map[int64]*sync.Pool
}

func newScratchPool() *scratchPool {
	return &scratchPool{pools: make(map[int64]*sync.Pool)}
}

func (p *scratchPool) get(size int64) []byte {
	p.mu.Lock()
	pool, ok := p.pools[size]
	if !ok {
		pool = &sync.Pool{New: func() any {
			buf := make([]byte, size)
			return &buf
		}}
		p.pools[size] = pool
	}
	p.mu.Unlock()

	buf := pool.Get().(*[]byte)
	return (*buf)[:size]
}

func (p *scratchPool) put(buf []byte) {
	size := int64(cap(buf))
	p.mu.Lock()
	pool, ok := p.pools[size]
	p.mu.Unlock()
	if !ok {
		return
	}
	b := buf[:cap(buf)]
	pool.Put(&b)
}
