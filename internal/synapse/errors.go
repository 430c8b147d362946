package synapse

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrServiceUnavailable means the service asked us to come back later
	ErrServiceUnavailable = errors.New("synapse service unavailable")
	// ErrBadRequest means the service rejected the request content
	ErrBadRequest = errors.New("synapse rejected request")
	// ErrNotFound means the entity does not exist
	ErrNotFound = errors.New("synapse entity not found")
)

// ServiceError is a non-2xx response from the service
type ServiceError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("synapse %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the package sentinels
func (e *ServiceError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return ErrBadRequest
	default:
		return nil
	}
}

// IsServiceUnavailable reports whether err means the service is overloaded or down for maintenance
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
