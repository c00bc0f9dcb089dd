package memutils

import "math"

// Statistics is the cheap rollup of an allocator's shape: how many regions
// are mapped, how many live allocations they hold, and the byte totals of
// both. Blocks report into a shared accumulator, so all fields are additive.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// DetailedStatistics additionally tracks free regions and the size extremes
// of both allocations and free regions. Collecting it walks every segment,
// so it costs proportionally more than Statistics.
type DetailedStatistics struct {
	Statistics

	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

// AddAllocation records one live allocation of the given payload size.
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

// AddUnusedRange records one free region of the given payload size.
func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}
