package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
)

// ErrorCode identifies a terminal failure. The table is sent to the model so
// it can report its own failures with the same codes.
type ErrorCode int

const (
	CodePolicyViolation              ErrorCode = -32001
	CodeInsufficientTooling          ErrorCode = -32002
	CodeTimeout                      ErrorCode = -32003
	CodeInvalidToolRequest           ErrorCode = -32004
	CodeInvalidToolResponse          ErrorCode = -32005
	CodeInvalidResourceRequest       ErrorCode = -32006
	CodeInvalidResourceResponse      ErrorCode = -32007
	CodeInvalidResponse              ErrorCode = -32008
	CodeMissingBridge                ErrorCode = -32009
	CodeMaxActionChainLengthExceeded ErrorCode = -32010
	CodeInvalidRequest               ErrorCode = -32600
	CodeInvalidParams                ErrorCode = -32602
	CodeInternalError                ErrorCode = -32603
)

// ErrorCodeInfo is one row of the error-code table.
type ErrorCodeInfo struct {
	Code        ErrorCode `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

var errorCodeTable = []ErrorCodeInfo{
	{CodePolicyViolation, "PolicyViolation", "The request would violate an active policy."},
	{CodeInvalidRequest, "InvalidRequest", "The prompt cannot be understood or is not a valid request."},
	{CodeInvalidParams, "InvalidParams", "Arguments or results do not match the declared schema."},
	{CodeInternalError, "InternalError", "An unexpected failure occurred in the host or the model adapter."},
	{CodeInsufficientTooling, "InsufficientTooling", "No available tool or resource can satisfy the prompt."},
	{CodeTimeout, "Timeout", "A tool or resource did not complete in time."},
	{CodeInvalidToolRequest, "InvalidToolRequest", "The requested tool does not exist or is disabled."},
	{CodeInvalidToolResponse, "InvalidToolResponse", "The tool failed while executing."},
	{CodeInvalidResourceRequest, "InvalidResourceRequest", "The requested resource does not exist or is disabled."},
	{CodeInvalidResourceResponse, "InvalidResourceResponse", "The resource failed while being read."},
	{CodeInvalidResponse, "InvalidResponse", "The model output is not valid JSON or does not match the response schema."},
	{CodeMissingBridge, "MissingBridge", "No model adapter is configured."},
	{CodeMaxActionChainLengthExceeded, "MaxActionChainLengthExceeded", "The maximum number of actions for one prompt was reached."},
}

// ErrorCodes returns the table transmitted to the model.
func ErrorCodes() []ErrorCodeInfo {
	out := make([]ErrorCodeInfo, len(errorCodeTable))
	copy(out, errorCodeTable)
	return out
}

func (c ErrorCode) String() string {
	for _, info := range errorCodeTable {
		if info.Code == c {
			return info.Name
		}
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a terminal protocol failure delivered to the completion sink.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Err: err}
}

func newErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toolError maps a registry failure on a tool to its protocol code.
func toolError(err error) *Error {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrDisabled):
		return newError(CodeInvalidToolRequest, err)
	case errors.Is(err, registry.ErrInvalidParams):
		return newError(CodeInvalidParams, err)
	case errors.Is(err, registry.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, err)
	default:
		return newError(CodeInvalidToolResponse, err)
	}
}

// resourceError maps a registry failure on a resource to its protocol code.
func resourceError(err error) *Error {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrDisabled):
		return newError(CodeInvalidResourceRequest, err)
	case errors.Is(err, registry.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, err)
	default:
		return newError(CodeInvalidResourceResponse, err)
	}
}
