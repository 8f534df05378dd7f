package command

import "fmt"

// ErrorCode classifies a failed command execution.
type ErrorCode string

const (
	// CodeSyntax marks invalid JavaScript.
	CodeSyntax ErrorCode = "SYNTAX_ERROR"

	// CodeRuntime marks an uncaught JavaScript exception.
	CodeRuntime ErrorCode = "RUNTIME_ERROR"

	// CodeTimeout marks an execution that exceeded its wall-clock budget.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCallBudget marks an execution that exceeded its call_tool budget.
	CodeCallBudget ErrorCode = "CALL_BUDGET_EXCEEDED"

	// CodeBadResult marks a return value that cannot be JSON-serialized.
	CodeBadResult ErrorCode = "BAD_RESULT"
)

// ExecError is a failed execution with its classification and, for
// JavaScript exceptions, the stack.
type ExecError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *ExecError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("%s: %s\n%s", e.Code, e.Message, e.Stack)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of one command execution. Value is set when Ok,
// Error otherwise.
type Result struct {
	Ok    bool        `json:"ok"`
	Value interface{} `json:"value,omitempty"`
	Error *ExecError  `json:"error,omitempty"`
}

func success(value interface{}) *Result {
	return &Result{Ok: true, Value: value}
}

func failure(code ErrorCode, message string) *Result {
	return &Result{Ok: false, Error: &ExecError{Code: code, Message: message}}
}

func failureWithStack(code ErrorCode, message, stack string) *Result {
	return &Result{Ok: false, Error: &ExecError{Code: code, Message: message, Stack: stack}}
}
