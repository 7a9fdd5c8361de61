package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/petalexec/tool"
)

// Process exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
	exitUntrusted    = 5
	exitToolFailure  = 6
	exitTimeout      = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
	// Err is the underlying failure, when there is one.
	Err error
}

func (e *ExitError) Error() string {
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// toolExitError maps a tool failure to its exit code.
func toolExitError(err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}

	code := exitToolFailure
	switch tool.Code(tool.LastAttemptError(err)) {
	case tool.ToolErrorCodeNotFound, tool.ToolErrorCodeToolNotFound:
		code = exitFileNotFound
	case tool.ToolErrorCodeDigestMismatch, tool.ToolErrorCodeSignatureInvalid, tool.ToolErrorCodeUntrusted:
		code = exitUntrusted
	case tool.ToolErrorCodeTimeout:
		code = exitTimeout
	case tool.ToolErrorCodeInvalidRequest:
		code = exitInputParse
	case "":
		code = exitRuntime
	}
	return &ExitError{Code: code, Message: err.Error(), Err: err}
}
