//go:build !windows

package fsutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckDirWritable tests dir live for write and search permission as the
// current process sees it.
func CheckDirWritable(dir string) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("directory not writable: %s: %w", dir, err)
	}
	return nil
}
