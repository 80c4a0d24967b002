package telemetry

import "errors"

var (
	// ErrInvalidPayload is returned when a message is not a JSON object.
	ErrInvalidPayload = errors.New("telemetry: invalid payload")

	// ErrNoNumericFields is returned when a payload carries no usable values.
	ErrNoNumericFields = errors.New("telemetry: no numeric fields")

	// ErrRecorderClosed is returned by Watch after Close.
	ErrRecorderClosed = errors.New("telemetry: recorder closed")
)
