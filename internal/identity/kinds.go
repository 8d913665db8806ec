package identity

import "errors"

// Error kinds carried by OpError and the typed errors in errors.go. The HTTP
// layer maps them to 400, 404 and 409.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("version conflict")
)
