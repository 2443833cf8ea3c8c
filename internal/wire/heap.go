// Copyright 2015 Google Inc. All Rights Reserved.
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

package wire

import (
	"github.com/pkg/errors"

	"github.com/sandboxlib/sandbox/sandboxsig"
)

// A Heap is the arena backing every pointer the host hands to the child. It
// maps virtual addresses to host-side byte buffers.
//
// Allocation is monotonic: addresses are never reused, and nothing is
// actually released for the life of the session. Free is advisory only. This
// keeps addresses stable and rules out aliasing between a released region
// and a fresh one.
//
// Not safe for concurrent access; the session owns it from a single
// goroutine.
type Heap struct {
	// The next address to issue.
	//
	// INVARIANT: next > 0
	// INVARIANT: next is 8-byte aligned
	next sandboxsig.Addr

	// A map from the base address of each live allocation to its backing
	// bytes.
	//
	// INVARIANT: For all keys k, k > 0 && k < next
	regions map[sandboxsig.Addr][]byte
}

// NewHeap creates an empty heap. The first address issued is well above
// NULL, so that small integers mistakenly used as pointers fault loudly.
func NewHeap() *Heap {
	return &Heap{
		next:    0x1000,
		regions: make(map[sandboxsig.Addr][]byte),
	}
}

// Malloc records the supplied bytes under a fresh virtual address and
// returns it. The heap keeps its own copy; the caller may reuse data.
func (h *Heap) Malloc(data []byte) sandboxsig.Addr {
	addr := h.next

	// Round the next address up so every allocation stays aligned even after
	// odd-sized ones.
	n := sandboxsig.Addr(len(data))
	h.next += (n + 8) &^ 7

	h.regions[addr] = append([]byte(nil), data...)
	return addr
}

// Free is an advisory hint that the child no longer needs the region. The
// bytes stay readable for the rest of the session.
func (h *Heap) Free(addr sandboxsig.Addr) {
}

// locate finds the allocation containing [addr, addr+n) and returns its
// backing slice along with addr's offset into it.
func (h *Heap) locate(addr sandboxsig.Addr, n int) ([]byte, int, error) {
	if addr == sandboxsig.NULL {
		return nil, 0, errors.New("heap: NULL dereference")
	}

	// Find the base of the allocation containing addr. Allocations are keyed
	// by base address; the common case is addr being a base address itself,
	// otherwise every region is scanned for one that contains addr.
	if b, ok := h.regions[addr]; ok {
		if n > len(b) {
			return nil, 0, errors.Errorf(
				"heap: access of %d bytes at 0x%x overruns %d-byte region",
				n, uint64(addr), len(b))
		}
		return b, 0, nil
	}

	for base, b := range h.regions {
		if addr > base && uint64(addr)-uint64(base) < uint64(len(b)) {
			off := int(addr - base)
			if off+n > len(b) {
				return nil, 0, errors.Errorf(
					"heap: access of %d bytes at 0x%x overruns %d-byte region at 0x%x",
					n, uint64(addr), len(b), uint64(base))
			}
			return b, off, nil
		}
	}

	return nil, 0, errors.Errorf("heap: no region contains address 0x%x", uint64(addr))
}

// ReadAt returns a copy of the n bytes at addr. Reading an unallocated or
// out-of-bounds address is an error; the caller treats it as fatal to the
// session.
func (h *Heap) ReadAt(addr sandboxsig.Addr, n int) ([]byte, error) {
	b, off, err := h.locate(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b[off:off+n]...), nil
}

// WriteAt overwrites len(data) bytes at addr in place.
func (h *Heap) WriteAt(addr sandboxsig.Addr, data []byte) error {
	b, off, err := h.locate(addr, len(data))
	if err != nil {
		return err
	}
	copy(b[off:], data)
	return nil
}

// ReadCString reads a NUL-terminated string starting at addr, scanning at
// most max bytes. The terminator is not included in the result.
func (h *Heap) ReadCString(addr sandboxsig.Addr, max int) ([]byte, error) {
	b, off, err := h.locate(addr, 1)
	if err != nil {
		return nil, err
	}

	limit := off + max
	if limit > len(b) {
		limit = len(b)
	}

	for i := off; i < limit; i++ {
		if b[i] == 0 {
			return append([]byte(nil), b[off:i]...), nil
		}
	}

	return nil, errors.Errorf(
		"heap: unterminated string at 0x%x (scanned %d bytes)",
		uint64(addr), limit-off)
}
