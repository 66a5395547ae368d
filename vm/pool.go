package vm

import (
	"math"

	"github.com/chazu/mutable/resource"
)

// imagePool keeps released image buffers for reuse, grouped by shape.
// Buffers are only ever taken and put back on the runner token, so the
// pool needs no lock of its own.
type imagePool struct {
	counters *MemoryCounters
	buckets  map[resource.ImageDesc][]*resource.Image
	// order remembers insertion so draining drops the oldest first.
	order []*resource.Image
}

func newImagePool(counters *MemoryCounters) *imagePool {
	return &imagePool{
		counters: counters,
		buckets:  make(map[resource.ImageDesc][]*resource.Image),
	}
}

// get pops a buffer with exactly the requested shape, or returns nil.
func (p *imagePool) get(desc resource.ImageDesc) *resource.Image {
	bucket := p.buckets[desc]
	if len(bucket) == 0 {
		return nil
	}
	img := bucket[len(bucket)-1]
	p.buckets[desc] = bucket[:len(bucket)-1]
	p.forget(img)
	p.counters.pooled.Add(-int64(img.DataSize()))
	return img
}

// put stores a buffer for reuse. Reference images carry no pixels and
// are never pooled.
func (p *imagePool) put(img *resource.Image) {
	if img == nil || img.IsReference() || len(img.Data) == 0 {
		return
	}
	desc := img.Desc()
	p.buckets[desc] = append(p.buckets[desc], img)
	p.order = append(p.order, img)
	p.counters.pooled.Add(int64(img.DataSize()))
}

func (p *imagePool) forget(img *resource.Image) {
	for i, o := range p.order {
		if o == img {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// drain drops pooled buffers, oldest first, until at least need bytes
// are freed or the pool is empty. It returns the bytes freed.
func (p *imagePool) drain(need int64) int64 {
	var freed int64
	for len(p.order) > 0 && freed < need {
		img := p.order[0]
		p.order = p.order[1:]
		desc := img.Desc()
		bucket := p.buckets[desc]
		for i, b := range bucket {
			if b == img {
				p.buckets[desc] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		size := int64(img.DataSize())
		p.counters.pooled.Add(-size)
		freed += size
	}
	return freed
}

// clear drops every pooled buffer.
func (p *imagePool) clear() {
	p.drain(math.MaxInt64)
	clear(p.buckets)
	p.order = nil
}

func (p *imagePool) len() int {
	return len(p.order)
}
