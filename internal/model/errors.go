package model

import "errors"

// Error kinds shared by every racer package. Callers match them with errors.Is;
// producers wrap them with context using fmt.Errorf("...: %w", ...).
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrNotFound        = errors.New("not found")
	ErrTransport       = errors.New("transport failure")
	ErrCorruptState    = errors.New("corrupt state")
)
