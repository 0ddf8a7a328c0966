package sector

import "errors"

var (
	// ErrNoValidSector means neither sector held a recoverable log at
	// mount and neither is erased; no prior state exists to restore.
	ErrNoValidSector = errors.New("sector: no valid sector")

	// ErrEraseDenied means a needed erase was refused by the oracle. An
	// expected outcome under gating; retry once conditions allow.
	ErrEraseDenied = errors.New("sector: erase permission denied")
)
