package store

import "errors"

// Storage error types.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrConflict         = errors.New("folder path already exists")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrFileTooLarge     = errors.New("file exceeds maximum size")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidName      = errors.New("invalid name")
)
