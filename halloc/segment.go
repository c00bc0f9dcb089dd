// Package halloc provides a user-space dynamic memory allocator built on raw
// anonymous page mappings. A fixed number of mapped regions are carved into
// variable-size segments; free segments are indexed by an intrusive red-black
// tree keyed on size, so allocation is an O(log n) best-fit and deallocation
// coalesces neighbors in constant time.
//
// The allocator assumes exclusive caller access. It offers no internal
// locking and no memory-ordering guarantees; callers that share it across
// goroutines must provide their own mutual exclusion.
package halloc

import (
	"unsafe"

	"github.com/hexbyte/halloc/rbtree"
)

const (
	// statusMask covers the bit of the packed value word that records
	// whether the segment is used. Bit 63 above it belongs to rbtree.
	statusMask uint64 = 1 << 62
	// sizeMask covers the payload-size bits of the packed value word.
	sizeMask uint64 = ^(uint64(3) << 62)
)

// segment is the in-band header at the start of every run of bytes inside a
// block. One header serves three roles at once: its embedded rbtree.Node
// links it into the block's free tree while the segment is free, next and
// prev link it into the spatial list of physically adjacent segments, and
// the node's value word packs the payload size with the status and color
// bits.
//
// The rbtree.Node must stay the first field: the tree hands back *rbtree.Node
// and segmentFromNode converts by address.
type segment struct {
	node rbtree.Node

	next *segment
	prev *segment
}

// HeaderSize is the number of bytes each segment header occupies at the
// start of its segment. Payloads begin this many bytes after the header
// address.
const HeaderSize = int(unsafe.Sizeof(segment{}))

func (s *segment) payloadSize() int {
	return int(s.node.Value & sizeMask)
}

// setPayloadSize replaces the size bits while leaving the status and color
// bits untouched.
func (s *segment) setPayloadSize(size int) {
	s.node.Value = (s.node.Value &^ sizeMask) | uint64(size)
}

func (s *segment) isFree() bool {
	return s.node.Value&statusMask == 0
}

func (s *segment) markUsed() {
	s.node.Value |= statusMask
}

func (s *segment) markFree() {
	s.node.Value &^= statusMask
}

func (s *segment) payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(s), HeaderSize)
}

func segmentFromPayload(payload unsafe.Pointer) *segment {
	return (*segment)(unsafe.Add(payload, -HeaderSize))
}

func segmentFromNode(node *rbtree.Node) *segment {
	return (*segment)(unsafe.Pointer(node))
}
