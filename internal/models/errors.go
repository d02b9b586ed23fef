package models

import "errors"

var (
	ErrInvalidTarget         = errors.New("invalid target")
	ErrInvalidPortSpec       = errors.New("invalid port spec")
	ErrInvalidConfig         = errors.New("invalid scan config")
	ErrInsufficientPrivilege = errors.New("insufficient privilege for raw sockets")
	ErrResolutionTimeout     = errors.New("target resolution timed out")
	// ErrScanCancelled is returned by Session.Wait when the scan was cancelled.
	// It marks a terminal status, not a failure.
	ErrScanCancelled = errors.New("scan cancelled")
)
