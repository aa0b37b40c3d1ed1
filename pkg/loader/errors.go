package loader

import "errors"

var (
	ErrNotFound     = errors.New("object not found")
	ErrNotSupported = errors.New("operation not supported")
	ErrBadPath      = errors.New("lookup key too long")
	ErrClosed       = errors.New("loader service closed")
)
