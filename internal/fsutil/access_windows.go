//go:build windows

package fsutil

import (
	"fmt"
	"os"
)

// CheckDirWritable tests dir by creating and removing a temporary file;
// Windows ACLs are not reflected in mode bits.
func CheckDirWritable(dir string) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".mediamend-write-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %s: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
