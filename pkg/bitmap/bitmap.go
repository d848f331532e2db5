// Copyright 2026 The KOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides the implementation of a fixed-size bitmap.
//
// It backs RT priority arrays, CPU affinity masks and slab free-object sets.
package bitmap

import (
	"fmt"
	"math/bits"
	"strings"
)

// Bitmap implements a fixed-size bitmap. The zero value is an empty bitmap of
// size 0.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// ones is the number of set bits.
	ones uint32

	// bitBlock holds the bits. Bit i lives in bitBlock[i/64] at position
	// i%64.
	bitBlock []uint64
}

// New creates a new bitmap of the given size in bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Full creates a new bitmap of the given size with every bit set.
func Full(size uint32) Bitmap {
	b := New(size)
	for i := uint32(0); i < size; i++ {
		b.Add(i)
	}
	return b
}

// Size returns the number of valid bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty verifies whether the bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.ones == 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.ones
}

// Contains returns true if bit i is set. Out-of-range bits are never set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap: bit %d out of range [0, %d)", i, b.size))
	}
	mask := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&mask == 0 {
		b.bitBlock[i/64] |= mask
		b.ones++
	}
}

// Remove clears bit i. Out-of-range bits are ignored.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	mask := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&mask != 0 {
		b.bitBlock[i/64] &^= mask
		b.ones--
	}
}

// Minimum returns the smallest set bit, or false if the bitmap is empty.
func (b *Bitmap) Minimum() (uint32, bool) {
	return b.FirstOne(0)
}

// FirstOne returns the first set bit at or after start.
func (b *Bitmap) FirstOne(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := start / 64
	w := b.bitBlock[i] &^ (uint64(1)<<(start%64) - 1)
	for {
		if w != 0 {
			bit := i*64 + uint32(bits.TrailingZeros64(w))
			return bit, bit < b.size
		}
		i++
		if int(i) >= len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstZero returns the first clear bit at or after start.
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := start / 64
	w := ^b.bitBlock[i] &^ (uint64(1)<<(start%64) - 1)
	for {
		if w != 0 {
			bit := i*64 + uint32(bits.TrailingZeros64(w))
			return bit, bit < b.size
		}
		i++
		if int(i) >= len(b.bitBlock) {
			return 0, false
		}
		w = ^b.bitBlock[i]
	}
}

// Clone returns a copy of b.
func (b *Bitmap) Clone() Bitmap {
	return Bitmap{
		size:     b.size,
		ones:     b.ones,
		bitBlock: append([]uint64(nil), b.bitBlock...),
	}
}

// Equal returns true if b and other have the same size and bits.
func (b *Bitmap) Equal(other *Bitmap) bool {
	if b.size != other.size || b.ones != other.ones {
		return false
	}
	for i := range b.bitBlock {
		if b.bitBlock[i] != other.bitBlock[i] {
			return false
		}
	}
	return true
}

// Intersects returns true if any bit is set in both b and other.
func (b *Bitmap) Intersects(other *Bitmap) bool {
	n := min(len(b.bitBlock), len(other.bitBlock))
	for i := 0; i < n; i++ {
		if b.bitBlock[i]&other.bitBlock[i] != 0 {
			return true
		}
	}
	return false
}

// ForEach calls fn for every set bit in increasing order.
func (b *Bitmap) ForEach(fn func(i uint32)) {
	for blk, w := range b.bitBlock {
		for w != 0 {
			fn(uint32(blk)*64 + uint32(bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
}

// ToSlice returns the set bits in increasing order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.ones)
	b.ForEach(func(i uint32) { out = append(out, i) })
	return out
}

// String renders the set bits as a cpulist, e.g. "0-3,6".
func (b Bitmap) String() string {
	var sb strings.Builder
	runStart, prev := int64(-1), int64(-1)
	flush := func() {
		if runStart < 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if runStart == prev {
			fmt.Fprintf(&sb, "%d", runStart)
		} else {
			fmt.Fprintf(&sb, "%d-%d", runStart, prev)
		}
	}
	b.ForEach(func(i uint32) {
		if int64(i) != prev+1 || runStart < 0 {
			flush()
			runStart = int64(i)
		}
		prev = int64(i)
	})
	flush()
	return sb.String()
}
