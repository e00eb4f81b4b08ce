// Package mcp implements the Model Context Protocol server for
// chatrecall: retrieve, indexing_status, and reindex tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// JSON-RPC error codes, standard plus chatrecall-specific.
const (
	ErrCodeProviderUnavailable = -32001
	ErrCodeIndexing            = -32002
	ErrCodeTimeout             = -32003

	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is a protocol-level error with a JSON-RPC code.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError reports a malformed tool call.
func NewInvalidParamsError(message string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: message}
}

// MapError converts internal errors to protocol errors so clients get
// a stable code instead of Go error text.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	var re *recallerr.RecallError
	if errors.As(err, &re) {
		switch re.Category {
		case recallerr.CategoryValidation:
			return &MCPError{Code: ErrCodeInvalidParams, Message: re.Message}
		case recallerr.CategoryProvider:
			return &MCPError{Code: ErrCodeProviderUnavailable, Message: re.Message}
		case recallerr.CategoryStorage:
			return &MCPError{Code: ErrCodeIndexing, Message: re.Message}
		}
		return &MCPError{Code: ErrCodeInternalError, Message: re.Message}
	}
	if _, ok := recallerr.AsRateLimit(err); ok {
		return &MCPError{Code: ErrCodeProviderUnavailable, Message: "Provider is rate limiting requests. Try again shortly."}
	}

	return &MCPError{Code: ErrCodeInternalError, Message: err.Error()}
}
