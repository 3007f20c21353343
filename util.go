package fairsync

import (
	_ "unsafe" // for linkname

	"github.com/cockroachdb/errors"
)

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// trySpin busy-waits briefly if the runtime considers spinning worthwhile
// (multicore, idle Ps, few previous spins). It reports false once the caller
// should stop spinning and block instead.
func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

// assertf panics with an assertion failure. Misuse of a primitive is a
// programming error and is never returned to the caller.
func assertf(format string, args ...any) {
	panic(errors.AssertionFailedf(format, args...))
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
