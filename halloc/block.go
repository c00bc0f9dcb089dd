package halloc

import (
	"fmt"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/hexbyte/halloc/memutils"
	"github.com/hexbyte/halloc/pages"
	"github.com/hexbyte/halloc/rbtree"
)

// block manages allocation inside one contiguous mapped region. The region
// is a gapless chain of segments; head is the first segment's header and also
// the region base. Free segments are indexed by tree, keyed on payload size.
type block struct {
	head *segment
	size int
	tree rbtree.Tree

	provider   pages.Provider
	allocCount int
}

// init maps a region of regionBytes bytes and installs a single free segment
// spanning it. On provider failure the block is left untouched.
func (b *block) init(provider pages.Provider, regionBytes int) error {
	if b.head != nil {
		panic("attempting to initialize a block that is already in use")
	}
	if regionBytes <= HeaderSize {
		return errors.Errorf("a %d-byte region cannot hold a %d-byte segment header and a payload", regionBytes, HeaderSize)
	}

	addr, err := provider.Map(regionBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConstructFailed, errors.Wrapf(err, "failed to map a %d-byte region for a new block", regionBytes))
	}

	b.provider = provider
	b.size = regionBytes
	b.head = (*segment)(addr)

	// The mock provider may hand back reused memory, so the header is
	// rebuilt from scratch rather than trusting zeroed pages.
	*b.head = segment{}
	b.head.node.Value = uint64(regionBytes - HeaderSize)

	b.tree = rbtree.Tree{}
	b.tree.Insert(&b.head.node)
	b.allocCount = 0

	memutils.DebugValidate(b)
	return nil
}

// destroy returns the whole region to the page provider. Every segment
// inside it becomes invalid at once.
func (b *block) destroy() error {
	if b.head == nil {
		return errors.New("attempting to destroy a block that has no mapped region")
	}

	err := b.provider.Unmap(unsafe.Pointer(b.head), b.size)

	b.head = nil
	b.size = 0
	b.tree.Clear()
	b.allocCount = 0

	if err != nil {
		return errors.Wrap(err, "failed to unmap a block's region")
	}
	return nil
}

// bestFit returns the free segment with the smallest payload size that is at
// least bytes, or nil if none exists. It does not mutate the tree.
func (b *block) bestFit(bytes int) *segment {
	if b.head == nil {
		return nil
	}

	node := b.tree.LowerBound(uint64(bytes), func(key, nodeKey uint64) bool {
		return key <= nodeKey&sizeMask
	})
	if node == nil {
		return nil
	}

	return segmentFromNode(node)
}

// allocate commits node to the caller. The node must have come from bestFit
// on this block with the same byte count and must still be free.
func (b *block) allocate(bytes int, node *segment) unsafe.Pointer {
	payload := node.payload()

	b.tree.Remove(&node.node)
	b.shrinkThenAlign(node, bytes)
	b.allocCount++

	memutils.DebugValidate(b)
	return payload
}

// deallocate frees the segment behind payload, coalescing it with free
// neighbors. The size argument is part of the call surface but the header
// already knows the segment's extent.
func (b *block) deallocate(payload unsafe.Pointer, _ int) error {
	node := segmentFromPayload(payload)
	if node.isFree() {
		return errors.Wrapf(ErrDoubleFree, "payload at %x", uintptr(payload))
	}

	node.markFree()
	b.coalesce(node)
	b.allocCount--

	memutils.DebugValidate(b)
	return nil
}

// shrinkThenAlign splits node into a used prefix of bytes bytes and a free
// suffix, provided the suffix would hold at least one payload byte. A split
// that leaves a zero-byte payload is worse than the internal fragmentation
// it avoids, hence the +1 threshold. Node must not be in the tree.
func (b *block) shrinkThenAlign(node *segment, bytes int) {
	total := node.payloadSize()

	if total >= bytes+HeaderSize+1 {
		suffix := (*segment)(unsafe.Add(unsafe.Pointer(node), HeaderSize+bytes))
		*suffix = segment{}
		suffix.node.Value = uint64(total - bytes - HeaderSize)

		suffix.next = node.next
		suffix.prev = node
		if node.next != nil {
			node.next.prev = suffix
		}
		node.next = suffix

		node.setPayloadSize(bytes)
		b.tree.Insert(&suffix.node)
	}

	node.markUsed()
}

// coalesce merges a just-freed node with any free spatial neighbor and
// inserts the surviving segment into the tree. The node must not be in the
// tree at entry. Neighbors are removed from the tree before their size bits
// change: the tree is keyed on size, so a removal after the mutation would
// descend by the wrong key.
func (b *block) coalesce(node *segment) {
	next := node.next
	if next != nil && next.isFree() {
		b.tree.Remove(&next.node)
		node.setPayloadSize(node.payloadSize() + HeaderSize + next.payloadSize())
		node.next = next.next
		if node.next != nil {
			node.next.prev = node
		}
	}

	prev := node.prev
	if prev != nil && prev.isFree() {
		b.tree.Remove(&prev.node)
		prev.setPayloadSize(prev.payloadSize() + HeaderSize + node.payloadSize())
		prev.next = node.next
		if node.next != nil {
			node.next.prev = prev
		}
		node = prev
	}

	b.tree.Insert(&node.node)
}

// contains reports whether payload lies inside this block's region.
func (b *block) contains(payload unsafe.Pointer) bool {
	if b.head == nil {
		return false
	}

	base := uintptr(unsafe.Pointer(b.head))
	p := uintptr(payload)
	return p >= base && p < base+uintptr(b.size)
}

func (b *block) isEmpty() bool {
	return b.head != nil && b.head.next == nil && b.head.isFree()
}

func (b *block) sumFreeSize() int {
	var sum int
	b.tree.VisitInOrder(func(node *rbtree.Node) {
		sum += int(node.Key())
	})
	return sum
}

// visitAllSegments calls fn once per segment in spatial order, passing the
// payload offset within the region, the payload size, and the free status.
func (b *block) visitAllSegments(fn func(offset, size int, free bool) error) error {
	if b.head == nil {
		return nil
	}

	base := uintptr(unsafe.Pointer(b.head))
	for s := b.head; s != nil; s = s.next {
		offset := int(uintptr(unsafe.Pointer(s))-base) + HeaderSize
		err := fn(offset, s.payloadSize(), s.isFree())
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate walks the spatial list and the free tree and verifies every
// structural invariant: the list is gapless, no two adjacent segments are
// both free, the segments sum to the region size, tree membership matches
// the status bit, and the tree itself is a valid red-black tree.
func (b *block) Validate() error {
	if b.head == nil {
		return errors.New("block has no mapped region")
	}

	err := b.tree.CheckInvariants()
	if err != nil {
		return err
	}

	treeNodes := make(map[*segment]struct{})
	b.tree.VisitInOrder(func(node *rbtree.Node) {
		treeNodes[segmentFromNode(node)] = struct{}{}
	})

	base := uintptr(unsafe.Pointer(b.head))
	total := 0
	usedCount := 0
	var prev *segment

	for s := b.head; s != nil; s = s.next {
		offset := int(uintptr(unsafe.Pointer(s)) - base)

		if s.prev != prev {
			return errors.Errorf("segment at offset %d has a broken prev link", offset)
		}

		if prev != nil {
			expected := unsafe.Add(unsafe.Pointer(prev), HeaderSize+prev.payloadSize())
			if unsafe.Pointer(s) != expected {
				return errors.Errorf("segment at offset %d does not begin where its predecessor ends", offset)
			}

			if prev.isFree() && s.isFree() {
				return errors.Errorf("segments at offsets %d and %d are both free but adjacent", int(uintptr(unsafe.Pointer(prev))-base), offset)
			}
		}

		_, inTree := treeNodes[s]
		if s.isFree() != inTree {
			return errors.Errorf("segment at offset %d is free=%t but its tree membership is %t", offset, s.isFree(), inTree)
		}
		delete(treeNodes, s)

		if !s.isFree() {
			usedCount++
		}

		total += HeaderSize + s.payloadSize()
		prev = s
	}

	if len(treeNodes) != 0 {
		return errors.Errorf("%d tree nodes are not linked into the spatial list", len(treeNodes))
	}

	if total != b.size {
		return errors.Errorf("segments total %d bytes but the region is %d bytes", total, b.size)
	}

	if usedCount != b.allocCount {
		return errors.Errorf("the block records %d allocations but %d segments are in use", b.allocCount, usedCount)
	}

	return nil
}

func (b *block) addStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += b.size
	stats.AllocationCount += b.allocCount
	stats.AllocationBytes += b.size - b.sumFreeSize() - (b.segmentCount() * HeaderSize)
}

func (b *block) segmentCount() int {
	count := 0
	for s := b.head; s != nil; s = s.next {
		count++
	}
	return count
}

func (b *block) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += b.size

	for s := b.head; s != nil; s = s.next {
		if s.isFree() {
			stats.AddUnusedRange(s.payloadSize())
		} else {
			stats.AddAllocation(s.payloadSize())
		}
	}
}

// blockJsonData populates a json object with this block's shape, including a
// segment-by-segment map when detailed is set.
func (b *block) blockJsonData(obj jwriter.ObjectState, detailed bool) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	b.addDetailedStatistics(&stats)

	obj.Name("TotalBytes").Int(b.size)
	obj.Name("UnusedBytes").Int(b.sumFreeSize())
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	if !detailed {
		return
	}

	segments := obj.Name("Segments").Array()
	defer segments.End()

	_ = b.visitAllSegments(func(offset, size int, free bool) error {
		segObj := segments.Object()
		segObj.Name("Offset").Int(offset)
		segObj.Name("Size").Int(size)
		segObj.Name("Free").Bool(free)
		segObj.End()
		return nil
	})
}
