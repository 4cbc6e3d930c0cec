// SPDX-License-Identifier: MIT

//go:build windows

package golang

import (
	"os/exec"
	"syscall"
)

const exeSuffix = ".exe"

const createNoWindow = 0x08000000

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow,
		HideWindow:    true,
	}
}
