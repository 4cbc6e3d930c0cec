// SPDX-License-Identifier: MIT

package golang

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// newRequestID returns a fresh correlation id for one request.
func newRequestID() string {
	return uuid.NewString()
}

// isNullID reports an absent or JSON null id.
func isNullID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// checkEchoedID verifies the response id is well-formed, non-empty JSON
// equal to the id that was sent.
func checkEchoedID(raw json.RawMessage, sent string) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return fmt.Errorf("%w: missing or invalid id", ErrIDMismatch)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("%w: id %s is not a string", ErrIDMismatch, raw)
	}
	if got == "" || got != sent {
		return fmt.Errorf("%w: sent %q, got %q", ErrIDMismatch, sent, got)
	}
	return nil
}
