// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package nvim

import "os/exec"

func hideWindow(*exec.Cmd) {}
