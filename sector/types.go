package sector

// State tags a physical sector's role, derived at mount time and tracked
// across appends and compactions.
type State uint8

const (
	// StateErased marks a sector holding the erased value in every byte,
	// ready to become a compaction target without a further erase.
	StateErased State = iota

	// StateActive marks the sector holding the newest valid log; appends
	// land here.
	StateActive

	// StateStale marks a superseded valid log, pending a gated erase.
	StateStale

	// StateCorrupt marks a sector that failed validation. It is left
	// untouched until an erase is permitted; it never supplies data.
	StateCorrupt
)

func (s State) String() string {
	switch s {
	case StateErased:
		return "erased"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// Stats exposes engine counters since the last mount. Best effort, cheap to
// read.
type Stats struct {
	// Delta records appended to the active sector
	Appends uint64 `json:"appends"`
	// Completed compactions (snapshot committed to the counterpart)
	Compactions uint64 `json:"compactions"`
	// Sector erases issued by the engine
	Erases uint64 `json:"erases"`
	// Erase attempts refused by the oracle
	EraseDenials uint64 `json:"eraseDenials"`
	// Records replayed into the image at mount
	Replayed uint64 `json:"replayed"`
	// Torn or corrupt log tails dropped at mount
	Truncations uint64 `json:"truncations"`
	// Bytes programmed into flash, headers included
	BytesWritten uint64 `json:"bytesWritten"`
}
