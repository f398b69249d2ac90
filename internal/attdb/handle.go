package attdb

import "github.com/srg/spotar/internal/spota"

// A handleRange is a contiguous range of attributes.
type handleRange struct {
	hh   []Attribute
	base spota.Handle // handle of hh[0]
}

const (
	tooSmall = -1
	tooLarge = -2
)

// idx returns the index into hh for handle n, or tooSmall / tooLarge.
func (r *handleRange) idx(n int) int {
	if n < int(r.base) {
		return tooSmall
	}
	if n >= int(r.base)+len(r.hh) {
		return tooLarge
	}
	return n - int(r.base)
}

func (r *handleRange) end() spota.Handle {
	return r.base + spota.Handle(len(r.hh)) - 1
}

// At returns the attribute with handle n.
func (r *handleRange) At(n spota.Handle) (Attribute, bool) {
	i := r.idx(int(n))
	if i < 0 {
		return Attribute{}, false
	}
	return r.hh[i], true
}

// Subrange returns the attributes in [start, end]. It never panics for
// out-of-range bounds.
func (r *handleRange) Subrange(start, end spota.Handle) []Attribute {
	startidx := r.idx(int(start))
	switch startidx {
	case tooSmall:
		startidx = 0
	case tooLarge:
		return []Attribute{}
	}

	endidx := r.idx(int(end) + 1) // [start, end] includes its upper bound
	switch endidx {
	case tooSmall:
		return []Attribute{}
	case tooLarge:
		endidx = len(r.hh)
	}

	if startidx >= endidx {
		return []Attribute{}
	}
	return r.hh[startidx:endidx]
}
