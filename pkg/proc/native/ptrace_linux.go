package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceDetach calls ptrace(PTRACE_DETACH), sig is delivered to the thread
// as it resumes.
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(pid int, addr uintptr, data []byte) (int, error) {
	localIov := sys.Iovec{Base: &data[0]}
	localIov.SetLen(len(data))
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(pid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
