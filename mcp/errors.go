package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when attempting to use a disconnected client.
	ErrNotConnected = errors.New("mcp client not connected")

	// ErrInitializationFailed is returned when client initialization fails.
	ErrInitializationFailed = errors.New("mcp client initialization failed")
)

// Error wraps MCP failures with the operation and server they came from.
type Error struct {
	Operation  string
	ServerName string
	Err        error
}

func (e *Error) Error() string {
	if e.ServerName != "" {
		return fmt.Sprintf("mcp %s failed for server %s: %v", e.Operation, e.ServerName, e.Err)
	}
	return fmt.Sprintf("mcp %s failed: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error for the given operation and server.
func NewError(operation, serverName string, err error) *Error {
	return &Error{Operation: operation, ServerName: serverName, Err: err}
}

// IsNotConnected reports whether the error indicates a disconnected client.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
