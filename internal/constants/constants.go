// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Image constants
const (
	// MaxImageSize is the maximum dimension (width or height) of images sent
	// to the embedding server
	MaxImageSize = 1920
)

// Enrollment constants
const (
	// EnrollWorkers is the number of parallel embedding requests during enrollment
	EnrollWorkers = 4

	// DuplicateHashDistance is the largest difference-hash distance, in bits,
	// at which two enrollment photos count as the same shot
	DuplicateHashDistance = 4
)

// Neighbor search constants
const (
	// DefaultNeighbors is the default number of confusable identities to list
	DefaultNeighbors = 3

	// MaxNeighbors caps the neighbor count accepted from callers
	MaxNeighbors = 50
)
