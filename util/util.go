// Package util contains small generic helpers shared across the core,
// the way the teacher's util package centralizes rounding and byte
// packing instead of letting every package hand-roll it.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// PutUint32LE writes v into b[off:off+4] little-endian, panicking if
// out of bounds -- the on-disk inode and directory-entry layouts are
// little-endian fixed fields (spec.md §6).
func PutUint32LE(b []byte, off int, v uint32) {
	_ = b[off+3]
	b[off+0] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// GetUint32LE reads a little-endian uint32 from b[off:off+4].
func GetUint32LE(b []byte, off int) uint32 {
	_ = b[off+3]
	return uint32(b[off+0]) | uint32(b[off+1])<<8 |
		uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
