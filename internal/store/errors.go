package store

import "errors"

// Sentinel errors.
var (
	ErrWorkNotFound = errors.New("work snapshot not found")
	ErrNoCheckpoint = errors.New("no rebuild checkpoint")
	ErrCorruptKey   = errors.New("corrupt key")
	ErrClosed       = errors.New("store closed")
)
