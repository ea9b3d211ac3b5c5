package gateway

import (
	"errors"
	"fmt"
)

// ErrMissingField is wrapped by validation errors for absent request fields.
var ErrMissingField = errors.New("missing required field")

// ErrValidation rejects a mutation before it reaches the store.
type ErrValidation struct {
	Err error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ErrValidation) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}

func invalid(err error) error {
	return &ErrValidation{Err: err}
}

func missing(field string) error {
	return invalid(fmt.Errorf("%w: %s", ErrMissingField, field))
}
