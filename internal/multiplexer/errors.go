package multiplexer

import "errors"

// Domain errors for the multiplexer package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidTopic is returned when subscribing to an empty topic.
	ErrInvalidTopic = errors.New("multiplexer: topic cannot be empty")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("multiplexer: handler cannot be nil")

	// ErrClientFactory is returned when the transport client could not be
	// created or connected. The manager stays unusable afterwards.
	ErrClientFactory = errors.New("multiplexer: creating client failed")

	// ErrClosed is returned when subscribing on a closed manager.
	ErrClosed = errors.New("multiplexer: manager closed")
)
