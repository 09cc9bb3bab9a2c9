package nntp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthRejected indicates the server refused AUTHINFO credentials.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrArticleNotFound maps NNTP 430/420 responses.
	ErrArticleNotFound = errors.New("article not found")
	// ErrServiceUnavailable maps NNTP 400 responses.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	// ErrConnectionTimeout indicates a dial or command deadline expired.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrConnectionClosed indicates the connection is no longer usable.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrPoolTimeout indicates no connection became available in time.
	ErrPoolTimeout = errors.New("timeout waiting for pool connection")
	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool closed")
)

// ProtocolError is an unexpected but well-formed NNTP status response.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nntp: unexpected response %d %s", e.Code, e.Message)
}

// ProviderAttempt records one failed provider try during failover.
type ProviderAttempt struct {
	Provider string
	Err      error
}

// ArticleNotFoundEverywhereError aggregates the per-provider failures of
// a fully exhausted failover sequence.
type ArticleNotFoundEverywhereError struct {
	MessageID string
	Attempts  []ProviderAttempt
}

func (e *ArticleNotFoundEverywhereError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", attempt.Provider, attempt.Err))
	}
	return fmt.Sprintf("article %s not found on any provider (%s)", e.MessageID, strings.Join(parts, "; "))
}

// Unwrap lets callers match errors.Is(err, ErrArticleNotFound) against
// the aggregate.
func (e *ArticleNotFoundEverywhereError) Unwrap() error {
	return ErrArticleNotFound
}

// statusError translates an NNTP status code into the error taxonomy.
func statusError(code int, message string) error {
	switch code {
	case 400:
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, message)
	case 420, 430:
		return fmt.Errorf("%w (%d): %s", ErrArticleNotFound, code, message)
	case 480, 481, 482:
		return fmt.Errorf("%w (%d): %s", ErrAuthRejected, code, message)
	default:
		return &ProtocolError{Code: code, Message: message}
	}
}
