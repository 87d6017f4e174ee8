// Package constants provides shared constants used across the codebase.
package constants

// Audit listing constants
const (
	// DefaultAuditLimit is the default number of journal entries returned
	DefaultAuditLimit = 50

	// MaxAuditLimit caps the number of journal entries returned in one request
	MaxAuditLimit = 1000
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// File upload constants
const (
	// MaxUploadSize is the maximum frame upload size in bytes (32MB)
	MaxUploadSize = 32 << 20
)
