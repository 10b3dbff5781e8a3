//go:build unix

package cmds

import "syscall"

// block waits forever in a read(2) of an empty pipe, keeping the calling
// goroutine's frames on the stack of its thread.
//
//go:noinline
func block() {
	var p [2]int
	if err := syscall.Pipe(p[:]); err != nil {
		blockSleep()
	}
	var buf [1]byte
	for {
		_, _ = syscall.Read(p[0], buf[:])
	}
}
