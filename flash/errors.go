package flash

import "errors"

var (
	// ErrSector is returned for a sector index other than 0 or 1.
	ErrSector = errors.New("flash: invalid sector")

	// ErrBounds is returned when an access extends past the end of a sector.
	ErrBounds = errors.New("flash: access out of bounds")

	// ErrBitSet is returned by enforcing devices when a write would need to
	// flip a programmed 0 bit back to 1, which only an erase can do.
	ErrBitSet = errors.New("flash: write would set a cleared bit")
)
