// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"encoding/json"
	"time"
)

// Version is the JSON-RPC protocol tag carried by every message.
const Version = "2.0"

// Method names understood by the manager.
const (
	MethodQueryInstance      = "query_instance"
	MethodListInstances      = "list_instances"
	MethodRegisterInstance   = "register_instance"
	MethodUnregisterInstance = "unregister_instance"
	MethodShutdown           = "shutdown"
)

// Literal results of the mutating methods.
const (
	ResultRegistered   = "registered"
	ResultUnregistered = "unregistered"
	ResultShuttingDown = "shutting down"
)

// Request is one JSON-RPC request line.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response is one JSON-RPC response line. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type QueryInstanceParams struct {
	Identifier string `json:"identifier"`
}

type RegisterInstanceParams struct {
	Identifier    string `json:"identifier"`
	ServerAddress string `json:"server_address"`
}

type UnregisterInstanceParams struct {
	Identifier string `json:"identifier"`
}

// InstanceResult is the wire shape of an instance snapshot.
type InstanceResult struct {
	Identifier      string    `json:"identifier"`
	ServerAddress   string    `json:"server_address"`
	HealthStatus    string    `json:"health_status"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// IdentifierData is attached to instance-level errors.
type IdentifierData struct {
	Identifier string `json:"identifier"`
}
