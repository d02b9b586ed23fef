//go:build !windows

package utils

import "golang.org/x/sys/unix"

// openRawSocket opens and closes a raw IPv4 TCP socket; swapped in tests.
var openRawSocket = func() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// HasRawPrivilege reports whether the process may open raw sockets, either
// as root or through CAP_NET_RAW.
func HasRawPrivilege() bool {
	return openRawSocket() == nil
}

func openFileLimit() (uint64, bool) {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, false
	}
	return uint64(rLimit.Cur), true
}
