//go:build amd64

package tcgexec

// callTB is implemented in dispatch_amd64.s: it invokes the host code
// at codeAddr with (envPtr, tbPtr) loaded into the registers the
// reference x86-64 backend's prologue expects, and returns the
// encoded exit value the epilogue produces.
func callTB(codeAddr, envPtr, tbPtr uintptr) uint64
