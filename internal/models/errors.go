package models

import "errors"

var (
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrStorage          = errors.New("storage failure")
	ErrIntegrity        = errors.New("integrity verification failed")
	ErrInvalid          = errors.New("invalid request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("already exists")
)
