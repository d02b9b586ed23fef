//go:build windows

package utils

// Raw TCP sockets are not available to user processes on Windows.
func HasRawPrivilege() bool {
	return false
}

func openFileLimit() (uint64, bool) {
	return 0, false
}
