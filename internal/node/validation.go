package node

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxNameLength is the maximum display name length in characters.
	MaxNameLength = 100

	idPrefix = "nod-"
)

var (
	objectIDPattern    = regexp.MustCompile(`^[0-9a-f]{24}$`)
	measurementPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)
)

// Validate checks the node's fields. The local ID is not checked; Create
// assigns one when it is empty.
func (n *Node) Validate() error {
	if n.SetID == "" {
		return fmt.Errorf("%w: set_id is required", ErrInvalidNode)
	}
	if n.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidNode)
	}
	if !IsObjectID(n.SetID) {
		return fmt.Errorf("%w: set_id %q", ErrInvalidObjectID, n.SetID)
	}
	if !IsObjectID(n.NodeID) {
		return fmt.Errorf("%w: node_id %q", ErrInvalidObjectID, n.NodeID)
	}
	if utf8.RuneCountInString(n.Name) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	if n.Measurement != "" && !measurementPattern.MatchString(n.Measurement) {
		return fmt.Errorf("%w: %q", ErrInvalidMeasurement, n.Measurement)
	}
	return nil
}

// IsObjectID reports whether s is a 24-character lowercase hex object ID.
func IsObjectID(s string) bool {
	return objectIDPattern.MatchString(s)
}

// GenerateID returns a new local node identifier.
func GenerateID() string {
	return idPrefix + uuid.New().String()
}
