package cache

import (
	"math/bits"

	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
)

// Admittor estimates how often a page was accessed recently.
type Admittor interface {
	EnsureCapacity(maxSize int)
	Increment(hash uint64)
	Frequency(hash uint64) int
}

var sketchSeeds = [4]uint64{
	0xc3a5c85c97cb3127, 0xb492b66fbe98f273, 0x9ae16a3b2f90404f, 0xcbf29ce484222325,
}

const (
	sketchResetMask = 0x7777777777777777
	sketchOneMask   = 0x1111111111111111
)

// FrequencySketch is a count-min sketch of 4-bit counters. Every counter is
// halved once sampleSize increments were observed, so old popularity ages out.
// Not safe for concurrent use.
type FrequencySketch struct {
	table      []uint64
	tableMask  uint64
	sampleSize int
	size       int
}

func NewFrequencySketch() *FrequencySketch {
	return &FrequencySketch{}
}

// EnsureCapacity sizes the table for maxSize distinct keys. It only grows.
func (s *FrequencySketch) EnsureCapacity(maxSize int) {
	maximum := min(max(maxSize, 0), 1<<30)
	if len(s.table) >= maximum && len(s.table) > 0 {
		return
	}
	tableSize := commonutils.CeilingPowerOfTwo(maximum)
	s.table = make([]uint64, tableSize)
	s.tableMask = uint64(tableSize - 1)
	if maximum == 0 {
		s.sampleSize = 10
	} else {
		s.sampleSize = 10 * maximum
	}
	s.size = 0
}

// Frequency returns the estimated number of occurrences, at most 15.
func (s *FrequencySketch) Frequency(hash uint64) int {
	if len(s.table) == 0 {
		return 0
	}
	h := commonutils.Spread(hash)
	start := (h & 3) << 2
	frequency := 15
	for i := uint64(0); i < 4; i++ {
		index := s.indexOf(h, int(i))
		count := int((s.table[index] >> ((start + i) << 2)) & 0xf)
		frequency = min(frequency, count)
	}
	return frequency
}

// Increment records one occurrence of hash.
func (s *FrequencySketch) Increment(hash uint64) {
	if len(s.table) == 0 {
		return
	}
	h := commonutils.Spread(hash)
	start := (h & 3) << 2

	added := false
	for i := uint64(0); i < 4; i++ {
		if s.incrementAt(s.indexOf(h, int(i)), start+i) {
			added = true
		}
	}
	if added {
		s.size++
		if s.size == s.sampleSize {
			s.reset()
		}
	}
}

func (s *FrequencySketch) incrementAt(i int, j uint64) bool {
	offset := j << 2
	mask := uint64(0xf) << offset
	if s.table[i]&mask != mask {
		s.table[i] += 1 << offset
		return true
	}
	return false
}

func (s *FrequencySketch) indexOf(item uint64, i int) int {
	hash := (item + sketchSeeds[i]) * sketchSeeds[i]
	hash += hash >> 32
	return int(hash & s.tableMask)
}

// reset halves every counter.
func (s *FrequencySketch) reset() {
	count := 0
	for i := range s.table {
		count += bits.OnesCount64(s.table[i] & sketchOneMask)
		s.table[i] = (s.table[i] >> 1) & sketchResetMask
	}
	s.size = (s.size >> 1) - (count >> 2)
}
