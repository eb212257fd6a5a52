// Package memsys is Margo's slab-pooled buffer system: bulk transfers read
// into and write out of pooled, page-sized buffers rather than allocating
// fresh memory per transfer.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import "sync"

// Sizing constants, matching the byte budgets a reference in-memory bulk
// transport sizes its chunks against.
const (
	PageSize        = 4 * 1024
	DefaultBufSize  = 32 * 1024
	MaxPageSlabSize = 1024 * 1024
)

// slabSizes are the size classes MMSA pools; a request is rounded up to the
// smallest class that fits it.
var slabSizes = []int{PageSize, DefaultBufSize, 128 * 1024, MaxPageSlabSize}

// MMSA is a memory-manager slab allocator: one sync.Pool per size class.
// The zero value is not usable; use NewMMSA.
type MMSA struct {
	pools map[int]*sync.Pool
}

func NewMMSA() *MMSA {
	m := &MMSA{pools: make(map[int]*sync.Pool, len(slabSizes))}
	for _, sz := range slabSizes {
		sz := sz
		m.pools[sz] = &sync.Pool{New: func() any { return make([]byte, sz) }}
	}
	return m
}

// DefaultMMSA is a process-wide slab allocator, used when an Instance isn't
// configured with its own.
var DefaultMMSA = NewMMSA()

func (m *MMSA) classFor(size int) int {
	for _, sz := range slabSizes {
		if size <= sz {
			return sz
		}
	}
	return 0 // larger than any slab class: caller allocates directly
}

// AllocSlab returns a pooled buffer at least size bytes long, sliced to
// exactly size.
func (m *MMSA) AllocSlab(size int) []byte {
	class := m.classFor(size)
	if class == 0 {
		return make([]byte, size)
	}
	buf := m.pools[class].Get().([]byte)
	return buf[:size]
}

// FreeSlab returns a buffer obtained from AllocSlab to its pool. Buffers
// larger than the biggest slab class are simply dropped for the GC.
func (m *MMSA) FreeSlab(buf []byte) {
	class := m.classFor(cap(buf))
	if class == 0 || cap(buf) != class {
		return
	}
	m.pools[class].Put(buf[:cap(buf)])
}

// SGL is a scatter-gather list: a sequence of pooled buffers a bulk
// transfer fills, presented to callers as one logical byte stream.
type SGL struct {
	mmsa   *MMSA
	chunks [][]byte
	size   int64
}

// NewSGL allocates an SGL backed by mmsa (DefaultMMSA if nil).
func NewSGL(mmsa *MMSA) *SGL {
	if mmsa == nil {
		mmsa = DefaultMMSA
	}
	return &SGL{mmsa: mmsa}
}

// Grow appends a freshly allocated chunk of the given size and returns it
// for the caller to fill.
func (s *SGL) Grow(size int) []byte {
	buf := s.mmsa.AllocSlab(size)
	s.chunks = append(s.chunks, buf)
	s.size += int64(size)
	return buf
}

// Size returns the total bytes currently held across all chunks.
func (s *SGL) Size() int64 { return s.size }

// Bytes concatenates all chunks into one newly allocated slice.
func (s *SGL) Bytes() []byte {
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Free returns every chunk to its slab pool. After Free the SGL must not be
// reused.
func (s *SGL) Free() {
	for _, c := range s.chunks {
		s.mmsa.FreeSlab(c)
	}
	s.chunks = nil
	s.size = 0
}

// Pressure reports the fraction, in [0,1], of pooled capacity presently
// checked out -- a coarse signal a caller could use to throttle bulk
// transfer concurrency. The reference slab allocator doesn't cap pool
// growth, so this is always 0; kept as an extension point matching the
// teacher's MMSA.Pressure name.
func (m *MMSA) Pressure() float64 { return 0 }
