//go:build !unix

package supervisor

import "syscall"

func newSession() *syscall.SysProcAttr {
	return nil
}
