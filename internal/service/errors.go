package service

import "fmt"

// Code classifies a service failure for transport mapping.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	CodeSessionBusy  Code = "SESSION_BUSY"
	CodeNoSession    Code = "NO_SESSION"
	CodeSessionDead  Code = "SESSION_FINALIZED"
)

// CodedError carries a failure code the API layer maps onto HTTP status.
type CodedError struct {
	Code    Code
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationErr(format string, args ...any) error {
	return &CodedError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}
