package node

import "errors"

// Domain errors for node operations.
var (
	// ErrNodeNotFound is returned when a node does not exist.
	ErrNodeNotFound = errors.New("node: not found")

	// ErrNodeExists is returned when the set/node pair is already stored.
	ErrNodeExists = errors.New("node: already exists")

	// ErrInvalidNode is returned when a node fails validation.
	ErrInvalidNode = errors.New("node: invalid")

	// ErrInvalidObjectID is returned for a malformed Yggio set or node ID.
	ErrInvalidObjectID = errors.New("node: invalid object id")

	// ErrInvalidName is returned when the display name is too long.
	ErrInvalidName = errors.New("node: invalid name")

	// ErrInvalidMeasurement is returned for an unusable measurement name.
	ErrInvalidMeasurement = errors.New("node: invalid measurement")
)
