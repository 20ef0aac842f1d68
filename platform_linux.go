//go:build linux

package taskjail

import "github.com/zhangyunhao116/taskjail/platform/linux"

func init() {
	sandboxInitFn = linux.MaybeSandboxInit
}
