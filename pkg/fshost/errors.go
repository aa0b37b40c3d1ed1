package fshost

import "errors"

// Per device outcomes. None of these stop the device watcher.
var (
	ErrAlreadyBound       = errors.New("role already bound")
	ErrBadState           = errors.New("rejected by policy")
	ErrInvalidArgs        = errors.New("no role matches partition type")
	ErrIntegrityCheck     = errors.New("integrity check failed")
	ErrNotAutomounted     = errors.New("device is not automounted")
	ErrUnrecognizedFormat = errors.New("unrecognized format")
)
