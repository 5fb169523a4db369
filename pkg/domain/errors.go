package domain

import "errors"

var (
	ErrStoreUnavailable = errors.New("counter store unavailable")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrOwnerUnknown     = errors.New("resource owner could not be resolved")
)
