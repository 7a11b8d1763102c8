// internal/agent/errors.go
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// ErrorCode is a string type used for structured error reporting from the executor.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
	ErrCodeUnknownAction    ErrorCode = "UNKNOWN_ACTION_TYPE"

	// -- Browser/DOM Errors --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeSessionLost     ErrorCode = "SESSION_LOST"

	// -- Internal System Errors --
	ErrCodeExecutorPanic ErrorCode = "EXECUTOR_PANIC"
)

// ErrElementNotFound means no candidate on screen matched what the action needs.
var ErrElementNotFound = errors.New("no matching element found on screen")

// ParseBrowserError maps an execution error onto an ErrorCode and a details map
// suitable for logs and artifacts.
func ParseBrowserError(err error, action schemas.Action) (ErrorCode, map[string]interface{}) {
	details := map[string]interface{}{
		"message": err.Error(),
		"action":  string(action.Kind),
	}
	if action.Target != nil {
		details["locator"] = action.Target.Locator
	}

	var fc schemas.FatalClassifier
	if errors.As(err, &fc) && fc.FatalKind() == schemas.FatalBrowserLost {
		return ErrCodeSessionLost, details
	}
	if errors.Is(err, ErrElementNotFound) {
		return ErrCodeElementNotFound, details
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeoutError, details
	}

	// Driver errors are plain strings more often than not.
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no element found"), strings.Contains(errStr, "not visible"),
		strings.Contains(errStr, "could not resolve"):
		return ErrCodeElementNotFound, details
	case strings.Contains(errStr, "timeout"):
		return ErrCodeTimeoutError, details
	}
	return ErrCodeExecutionFailure, details
}

// fatalKindOf returns the fatal classification carried by err, if any.
func fatalKindOf(err error) schemas.FatalKind {
	var fc schemas.FatalClassifier
	if errors.As(err, &fc) {
		return fc.FatalKind()
	}
	return ""
}
