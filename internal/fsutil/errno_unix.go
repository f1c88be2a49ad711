//go:build !windows

package fsutil

import (
	"errors"
	"syscall"
)

// describeErrno names Unix errnos that point at an unhealthy mount rather
// than at the file itself.
func describeErrno(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ""
	}

	switch errno {
	case syscall.ESTALE:
		return "stale NFS file handle"
	case syscall.ETIMEDOUT:
		return "filesystem operation timed out"
	case syscall.ENODEV, syscall.ENXIO:
		return "device not available (mount offline)"
	case syscall.EIO:
		return "I/O error"
	case syscall.EROFS:
		return "read-only filesystem"
	case syscall.EHOSTDOWN, syscall.EHOSTUNREACH, syscall.ENETDOWN, syscall.ENETUNREACH:
		return "network/host unreachable"
	}
	return ""
}
