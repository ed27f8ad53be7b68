// Package syscall names the handful of Linux/AMD64 syscall numbers the
// interpreter's SYSCALL handler recognizes. Numbers come from
// golang.org/x/sys/unix rather than hand-copied magic constants, the same
// dependency the teacher module already required.
package syscall

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Number is a raw syscall number as loaded into EAX before SYSCALL.
type Number uint64

const (
	Read      Number = Number(unix.SYS_READ)
	Write     Number = Number(unix.SYS_WRITE)
	Mmap      Number = Number(unix.SYS_MMAP)
	Brk       Number = Number(unix.SYS_BRK)
	ArchPrctl Number = Number(unix.SYS_ARCH_PRCTL)
	ExitGroup Number = Number(unix.SYS_EXIT_GROUP)
	Exit      Number = Number(unix.SYS_EXIT)
)

// Names maps every recognized number to its libc-style name, used in trace
// output and in UnsupportedSyscall's error message.
var Names = map[Number]string{
	Read:      "read",
	Write:     "write",
	Mmap:      "mmap",
	Brk:       "brk",
	ArchPrctl: "arch_prctl",
	ExitGroup: "exit_group",
	Exit:      "exit",
}

// String renders a number via its known name, falling back to its decimal
// value for anything the table does not cover.
func (n Number) String() string {
	if name, ok := Names[n]; ok {
		return name
	}
	return fmt.Sprintf("syscall#%d", uint64(n))
}
