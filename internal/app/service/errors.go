package service

import "errors"

// ErrDenied matches every authorization refusal so callers can answer with a
// single generic message.
var ErrDenied = errors.New("operation denied")

type denial struct {
	msg string
}

func (d *denial) Error() string { return d.msg }

func (d *denial) Is(target error) bool { return target == ErrDenied }

var (
	// ErrNotFound covers missing rows, disabled rows and rows owned by
	// another guild.
	ErrNotFound error = &denial{msg: "not found"}

	// ErrForbidden is returned when the caller neither created the row nor
	// holds the elevated permission.
	ErrForbidden error = &denial{msg: "forbidden"}

	// ErrNameMismatch is returned when the claimed endpoint name differs from
	// the stored one.
	ErrNameMismatch error = &denial{msg: "endpoint name mismatch"}
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrCapacityReached    = errors.New("endpoint limit reached")
	ErrCollisionExhausted = errors.New("could not allocate a unique path")
	ErrDuplicateLink      = errors.New("cross-server link already exists")
	ErrStorage            = errors.New("storage failure")
)
