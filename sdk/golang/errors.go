// SPDX-License-Identifier: MIT

package golang

import "errors"

// Transport failures. Protocol errors come back as *api.Error instead.
var (
	ErrServerUnreachable = errors.New("manager server unreachable")
	ErrServerNotRunning  = errors.New("manager server is not running")
	ErrConnectionClosed  = errors.New("connection closed without a response")
	ErrEmptyResponse     = errors.New("empty response line")
	ErrDecodeResponse    = errors.New("malformed response")
	ErrIDMismatch        = errors.New("response id does not match request")
	ErrNotHealthy        = errors.New("instance did not become healthy")
)
