// Package defs holds the error codes and on-disk constants shared by
// every core subsystem, the way the teacher's defs package centralizes
// device numbers and the error type used throughout the kernel.
package defs

import "github.com/pkg/errors"

// Err_t is the kernel-wide error code. Zero means success. Negative
// values index one of the sentinel kinds below, mirroring how the
// teacher's syscalls return a signed Err_t rather than Go's (T, error)
// idiom -- the core speaks in these across package boundaries, and
// callers at the syscall surface translate to (ret, error) themselves.
type Err_t int

const (
	// EOK is success.
	EOK Err_t = 0

	// ENOMEM indicates a transient resource shortage (no free frame,
	// no free cache slot). Callers loop with eviction/backoff; it is
	// never surfaced to a user syscall.
	ENOMEM Err_t = -1

	// ENOSPC is DiskFull: the free-map is exhausted.
	ENOSPC Err_t = -2

	// ENOENT is NotFound: a missing file, inode, or fd.
	ENOENT Err_t = -3

	// EPERM is PermissionViolation: write to a read-only page, or a
	// bad-fd write to a console-read fd. Terminates the offending
	// process with exit -1.
	EPERM Err_t = -4

	// EFAULT is InvalidUserAccess: a bad pointer handed in from a
	// syscall. Terminates the process with exit -1 after releasing
	// filesys_lock if held.
	EFAULT Err_t = -5

	// EINVAL marks a malformed argument that is the caller's fault
	// but does not rise to InvalidUserAccess (e.g. an empty path).
	EINVAL Err_t = -6

	// EEXIST indicates a name collision (create/mkdir on an existing
	// name).
	EEXIST Err_t = -7

	// ENOTDIR and ENOTEMPTY guard directory-layer invariants.
	ENOTDIR   Err_t = -8
	ENOTEMPTY Err_t = -9
)

var kindNames = map[Err_t]string{
	EOK:       "ok",
	ENOMEM:    "transient resource shortage",
	ENOSPC:    "disk full",
	ENOENT:    "not found",
	EPERM:     "permission violation",
	EFAULT:    "invalid user access",
	EINVAL:    "invalid argument",
	EEXIST:    "already exists",
	ENOTDIR:   "not a directory",
	ENOTEMPTY: "directory not empty",
}

// Error implements the error interface so an Err_t can be wrapped with
// github.com/pkg/errors at the point an operation fails.
func (e Err_t) Error() string {
	if s, ok := kindNames[e]; ok {
		return s
	}
	return "unknown error"
}

// Wrap attaches call-site context to a non-zero Err_t while preserving
// errors.Cause() back to the sentinel, so logs keep the chain and
// callers can still switch on the underlying kind.
func Wrap(e Err_t, format string, args ...interface{}) error {
	if e == EOK {
		return nil
	}
	return errors.Wrapf(e, format, args...)
}

// Fatal panics with a message tagging it as an unrecoverable kernel
// condition (swap exhaustion, broken cache invariants, a corrupt free
// map) -- spec.md designates these as kernel panics, not errors a
// caller can recover from.
func Fatal(format string, args ...interface{}) {
	panic(errors.Errorf("fatal: "+format, args...))
}

// Sector is a 512-byte disk sector index.
type Sector uint32

// InvalidSector is the sentinel for "no sector" (a cache entry's
// free-slot marker, or a failed allocation). Inode pointers mark an
// unallocated slot with zero, not with this value.
const InvalidSector Sector = 0xFFFFFFFF

// SectorSize is the fixed size of a disk sector in bytes.
const SectorSize = 512

// PageSize is the VM page size in bytes; a swap slot holds exactly
// PageSize/SectorSize sectors.
const PageSize = 4096

// SectorsPerPage is the number of sectors backing one VM page / swap
// slot.
const SectorsPerPage = PageSize / SectorSize

// InodeType distinguishes a regular file from a directory on disk.
type InodeType uint32

const (
	InodeFile InodeType = 0
	InodeDir  InodeType = 1
)

// InodeMagic stamps every on-disk inode sector so a reader can sanity
// check it hasn't been handed a stray data sector.
const InodeMagic uint32 = 0x494e4f44

// SptType tags where an SPT entry's canonical contents live.
type SptType int

const (
	SptFile SptType = iota
	SptSwap
	SptMmap
)

func (t SptType) String() string {
	switch t {
	case SptFile:
		return "file"
	case SptSwap:
		return "swap"
	case SptMmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// LockMode selects shared (reader) or exclusive (writer) acquisition
// of a cache entry or inode.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

// StackCap is the maximum distance below PHYS_BASE that stack growth
// is permitted to reach (8 MiB, per spec.md S3).
const StackCap = 8 << 20

// StackFaultSlack is how far below esp a fault is still attributed to
// PUSH/PUSHA and treated as stack growth rather than a segfault.
const StackFaultSlack = 32
