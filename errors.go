package flashlog

import (
	"errors"

	"github.com/viant/flashlog/sector"
)

var (
	// ErrOutOfRange is returned when a read or write falls outside the
	// logical image. The check happens before any state changes.
	ErrOutOfRange = errors.New("flashlog: access out of range")

	// ErrNotInitialized is returned when an operation runs before a
	// successful Init or Reset.
	ErrNotInitialized = errors.New("flashlog: not initialized")

	// ErrNoValidSector is surfaced by Init when neither sector holds
	// recoverable state. Reset is the escape hatch.
	ErrNoValidSector = sector.ErrNoValidSector

	// ErrEraseDenied reports that durability needed an erase the oracle
	// refused. The in-memory image still holds the update.
	ErrEraseDenied = sector.ErrEraseDenied
)
