package instruments

import "errors"

var (
	// ErrValidation is returned when a required field is missing or malformed.
	ErrValidation = errors.New("instruments: validation error")
	// ErrNotFound is returned when a keyed resource does not exist.
	ErrNotFound = errors.New("instruments: not found")
	// ErrConflict is returned on uniqueness violations such as a duplicate serial number.
	ErrConflict = errors.New("instruments: conflict")
	// ErrEmptyResult is returned when an export range yields no rows.
	ErrEmptyResult = errors.New("instruments: empty result")
	// ErrStorage wraps object store failures.
	ErrStorage = errors.New("instruments: storage failure")
)
