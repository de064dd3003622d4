//go:build linux

package swapfile

import "golang.org/x/sys/unix"

func pageSize() int {
	return unix.Getpagesize()
}

func directFlag() int {
	return unix.O_DIRECT
}

const supportsDirectIO = true

func statfsFree(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}

	return int64(st.Bavail) * int64(st.Bsize), nil
}
