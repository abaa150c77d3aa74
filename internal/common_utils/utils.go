package commonutils

import (
	"math/bits"
	"runtime"
)

// CeilingPowerOfTwo returns the smallest power of two that is >= x.
// Values <= 1 yield 1.
func CeilingPowerOfTwo(x int) int {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(x-1))
}

// NumCPU returns the number of logical CPUs usable by the process, rounded up
// to a power of two. Striped structures size themselves with it.
func NumCPU() int {
	return CeilingPowerOfTwo(runtime.GOMAXPROCS(0))
}

// Spread applies a supplemental hash to defend against poor quality hashes.
func Spread(x uint64) uint64 {
	x = ((x >> 16) ^ x) * 0x45d9f3b
	x = ((x >> 16) ^ x) * 0x45d9f3b
	return (x >> 16) ^ x
}

// CopyToMap returns a shallow copy of src.
func CopyToMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
