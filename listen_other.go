//go:build !unix

package cpfd

import "syscall"

func listenControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
