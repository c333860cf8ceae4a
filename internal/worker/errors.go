package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/tendant/simple-evaluator/internal/queue"
	"github.com/tendant/simple-evaluator/pkg/schema"
)

// TaskError carries an explicit failure classification.
type TaskError struct {
	Type    schema.FailureType
	Message string
}

func (e TaskError) Error() string {
	return e.Message
}

// Permanent marks an error that retrying cannot fix.
func Permanent(msg string) error {
	return TaskError{Type: schema.FailureTypePermanent, Message: msg}
}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var taskErr TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Type
	}
	if errors.Is(err, queue.ErrRevoked) {
		return schema.FailureTypeRevoked
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTypeTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "status 5") {
		return schema.FailureTypeRetryable
	}

	if strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "unsupported") {
		return schema.FailureTypePermanent
	}

	return schema.FailureTypeRetryable
}
