package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrFeedUnavailable marks a read that produced no data at all. It is
	// reported through FeedPage.Status rather than returned.
	ErrFeedUnavailable = errors.New("feed: unavailable")
	// ErrNotFound indicates the item or account does not exist.
	ErrNotFound = errors.New("feed: not found")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("feed: forbidden")
)

// ServiceError tags a failure with an "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for operation failing with reason.
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ErrorCode extracts the code of a ServiceError anywhere in the chain.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
