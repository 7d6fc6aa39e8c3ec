package spi

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when a configuration call is rejected at
	// call time. The offending operation has no effect.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPrecondition is returned when an operation is called in a state it
	// is not legal in, e.g. reading automatic transfer data before InitAuto.
	ErrPrecondition = errors.New("operation precondition not met")
)
