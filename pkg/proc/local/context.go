//go:build amd64 || arm64

package local

// getcontext is implemented in assembly.
func getcontext() (pc, sp, fp, lr uint64)
