//go:build windows

package raster

import (
	"os/exec"
	"syscall"
)

// hideWindowOnWindows 在 Windows 上隐藏 pdftoppm 的命令行窗口
func hideWindowOnWindows(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
}
