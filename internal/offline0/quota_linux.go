//go:build linux

package offline0

import "syscall"

// filesystemFreeBytes returns the bytes available to unprivileged users on the
// filesystem holding path. It is best-effort: on failure ok is false.
func filesystemFreeBytes(path string) (free uint64, ok bool) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, false
	}
	if st.Bsize <= 0 {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize), true
}
