package engine

import "errors"

var (
	// ErrInvalidReference is returned for a nil or unknown browser, sequence
	// or node, and for a browser without a master sequence.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrIncompatibleSequence is returned when a sequence's index name, unit
	// or type does not match the browser's master.
	ErrIncompatibleSequence = errors.New("incompatible sequence")
	// ErrUnresolvableSnapshot is returned when no source item exists and the
	// missing item mode does not allow synthesizing one.
	ErrUnresolvableSnapshot = errors.New("unresolvable snapshot")
	// ErrRecreateFailed is returned when a proxy or its display or storage
	// companion could not be created.
	ErrRecreateFailed = errors.New("proxy creation failed")
)
