//go:build windows

package fsutil

import (
	"errors"
	"syscall"
)

// Windows error codes
const (
	errorBadNetpath     syscall.Errno = 53
	errorNetworkBusy    syscall.Errno = 54
	errorDevNotExist    syscall.Errno = 55
	errorUnexpNetErr    syscall.Errno = 59
	errorNetnameDeleted syscall.Errno = 64
	errorBadNetName     syscall.Errno = 67
	errorSemTimeout     syscall.Errno = 121
)

// describeErrno names Windows errors that point at an unreachable share.
func describeErrno(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ""
	}

	switch errno {
	case errorBadNetpath, errorBadNetName, errorNetnameDeleted:
		return "network path not found"
	case errorSemTimeout:
		return "network operation timed out"
	case errorDevNotExist:
		return "remote device not available"
	case errorNetworkBusy, errorUnexpNetErr:
		return "network error"
	}
	return ""
}
