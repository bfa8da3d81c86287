//go:build !windows

package process

import "syscall"

// detachedAttrs starts the child in a new session (setsid) so it is detached
// from the controlling terminal and survives the parent. The child becomes a
// process group leader, which lets signalGroup reach its descendants.
func detachedAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
