package api

// API limits and constants.
const (
	// MaxEventSize is the largest accepted lifecycle event body (1 MB).
	MaxEventSize = 1 << 20
)

// Cache-Control header values.
const (
	CacheNoStore = "no-store"
)
