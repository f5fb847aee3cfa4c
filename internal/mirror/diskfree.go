package mirror

import "golang.org/x/sys/unix"

// diskFree returns the number of bytes available to unprivileged users on
// the filesystem containing path, or 0 if it cannot be determined.
func diskFree(path string) int64 {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0
	}
	return int64(fs.Bavail) * int64(fs.Bsize)
}
