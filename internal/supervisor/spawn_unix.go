//go:build unix

package supervisor

import "syscall"

// newSession detaches the tree from the terminal so that a Ctrl-C only
// reaches the harness, which then terminates the app itself.
func newSession() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
