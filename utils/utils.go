// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package utils

// AlignUp rounds v up to the next multiple of align. align must be a power of 2.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether v is a non-zero power of 2
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// RangeContains reports whether [off, off+n) lies within [0, size)
func RangeContains(size, off, n uint64) bool {
	if off > size {
		return false
	}
	return n <= size-off
}
