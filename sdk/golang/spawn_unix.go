// SPDX-License-Identifier: MIT

//go:build !windows

package golang

import (
	"os/exec"
	"syscall"
)

const exeSuffix = ""

// detach starts the manager in its own session so it outlives the client.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
