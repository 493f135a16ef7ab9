package persist

import "errors"

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrNoRow            = errors.New("no row")
	ErrConflict         = errors.New("conflict")

	// Configuration errors. Fatal, never retried.
	ErrDuplicateFlavour   = errors.New("adapter flavour already registered")
	ErrUnknownFlavour     = errors.New("adapter flavour not registered")
	ErrMissingStartWith   = errors.New("sequence has no stored value and no StartWith")
	ErrInvalidIncrement   = errors.New("increment is not a multiple of IncrementBy")
	ErrRangeUnsupported   = errors.New("range is not supported for this sequence kind")
	ErrNoAdapter          = errors.New("no adapter attached")
	ErrModelNotRegistered = errors.New("model not registered")

	// Validation errors. Surfaced before any I/O.
	ErrBulkLengthMismatch    = errors.New("id and model slices differ in length")
	ErrObserverRegistered    = errors.New("observer already registered")
	ErrObserverNotRegistered = errors.New("observer not registered")
	ErrInvalidOrderDirection = errors.New("invalid order direction")
)
