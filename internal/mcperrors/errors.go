// Package mcperrors defines the typed error taxonomy used across the
// aggregator, following the teacher's typed-struct + errors.As + constructor
// pattern rather than sentinel errors, so callers can recover structured
// context (server, tool, field) without string matching.
package mcperrors

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError reports an invalid configuration file, schema violation, or
// unresolved environment variable. Fatal at startup.
type ConfigError struct {
	File    string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in %s (field %q): %s", e.File, e.Field, e.Message)
	}
	return fmt.Sprintf("config error in %s: %s", e.File, e.Message)
}

func NewConfigError(file, field, message string) *ConfigError {
	return &ConfigError{File: file, Field: field, Message: message}
}

// ConnectionError reports a transport that could not be reached.
type ConnectionError struct {
	ServerName string
	Message    string
	Cause      error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error for server %q: %s: %v", e.ServerName, e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error for server %q: %s", e.ServerName, e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func NewConnectionError(serverName, message string, cause error) *ConnectionError {
	return &ConnectionError{ServerName: serverName, Message: message, Cause: cause}
}

// TimeoutError reports a per-operation deadline exceeded.
type TimeoutError struct {
	ServerName string
	Operation  string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s performing %q on server %q", e.Timeout, e.Operation, e.ServerName)
}

func NewTimeoutError(serverName, operation string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{ServerName: serverName, Operation: operation, Timeout: timeout}
}

// ProtocolError reports a malformed message or a server-reported JSON-RPC
// error.
type ProtocolError struct {
	ServerName string
	Code       int
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error from server %q (code %d): %s", e.ServerName, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error from server %q: %s", e.ServerName, e.Message)
}

func NewProtocolError(serverName string, code int, message string) *ProtocolError {
	return &ProtocolError{ServerName: serverName, Code: code, Message: message}
}

// NamespaceError reports an invalid/reserved namespace or a conflict
// resolution failure.
type NamespaceError struct {
	Name    string
	Message string
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("namespace error for %q: %s", e.Name, e.Message)
}

func NewNamespaceError(name, message string) *NamespaceError {
	return &NamespaceError{Name: name, Message: message}
}

// ToolNotFoundError reports routing to a tool no reachable server exposes.
type ToolNotFoundError struct {
	ToolName string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %q", e.ToolName)
}

func NewToolNotFoundError(toolName string) *ToolNotFoundError {
	return &ToolNotFoundError{ToolName: toolName}
}

// ServerNotAvailableError reports a missing, disconnected, or circuit-open
// target server (and its exhausted fallback, if any).
type ServerNotAvailableError struct {
	ServerName string
	Reason     string
}

func (e *ServerNotAvailableError) Error() string {
	return fmt.Sprintf("server %q not available: %s", e.ServerName, e.Reason)
}

func NewServerNotAvailableError(serverName, reason string) *ServerNotAvailableError {
	return &ServerNotAvailableError{ServerName: serverName, Reason: reason}
}

// CacheError reports a cache-level failure (e.g. ItemTooLarge). The cache
// state is left unchanged when this is returned.
type CacheError struct {
	Key     string
	Message string
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error for key %q: %s", e.Key, e.Message)
}

func NewCacheError(key, message string) *CacheError {
	return &CacheError{Key: key, Message: message}
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsServerNotAvailable reports whether err is (or wraps) a
// ServerNotAvailableError.
func IsServerNotAvailable(err error) bool {
	var t *ServerNotAvailableError
	return errors.As(err, &t)
}

// IsToolNotFound reports whether err is (or wraps) a ToolNotFoundError.
func IsToolNotFound(err error) bool {
	var t *ToolNotFoundError
	return errors.As(err, &t)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var t *ConnectionError
	return errors.As(err, &t)
}
