package debugger

import (
	"errors"
	"fmt"
	"io/ioutil"
	"syscall"
)

type launchError struct {
	msg string
	err error
}

func (le *launchError) Error() string { return le.msg }
func (le *launchError) Unwrap() error { return le.err }

// launchErrorMessage explains why a process could not be started under
// ptrace. The returned error still matches err.
func launchErrorMessage(path string, err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case syscall.EPERM:
		bs, rerr := ioutil.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
		if rerr == nil && len(bs) >= 1 && bs[0] == '3' {
			// Yama documentation: https://www.kernel.org/doc/Documentation/security/Yama.txt
			return &launchError{fmt.Sprintf("could not launch %s: ptrace is disabled by kernel.yama.ptrace_scope", path), err}
		}
		return &launchError{fmt.Sprintf("could not launch %s: operation not permitted, ptrace may be blocked by a seccomp profile or missing CAP_SYS_PTRACE", path), err}
	case syscall.ENOENT:
		return &launchError{fmt.Sprintf("could not launch %s: no such file or directory", path), err}
	case syscall.EACCES:
		return &launchError{fmt.Sprintf("could not launch %s: permission denied", path), err}
	}
	return err
}
