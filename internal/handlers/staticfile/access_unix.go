//go:build unix

package staticfile

import "golang.org/x/sys/unix"

// readable reports whether the process may read path, without opening it.
func readable(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}
