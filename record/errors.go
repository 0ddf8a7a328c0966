package record

import "errors"

var (
	// ErrEndOfLog marks the erased boundary: the kind byte at the cursor
	// was never written, so the log ends here.
	ErrEndOfLog = errors.New("record: end of log")

	// ErrCorrupt indicates a torn or damaged record at the cursor. Nothing
	// from that position onward can be trusted, including length fields.
	ErrCorrupt = errors.New("record: corrupt record")

	// ErrErased indicates a sector header region still in the erased state.
	ErrErased = errors.New("record: erased header")
)
