package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is used in structure padding to prevent false sharing.
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})

// WordPad_ is the padding that keeps a single 64-bit atomic word alone on
// its cache line.
const WordPad_ = CacheLineSize_ - 8
