package browser

import (
	"fmt"
	"strings"
)

// MissingItemMode decides what a browser shows when a synchronized sequence
// has no item at the selected index.
type MissingItemMode int

const (
	// CreateFromPrevious copies the nearest previous item into a new item.
	CreateFromPrevious MissingItemMode = iota
	// CreateFromDefault stores a new default-constructed item.
	CreateFromDefault
	// SetToDefault shows default content without storing it.
	SetToDefault
	// Ignore leaves the proxy unchanged.
	Ignore
	// DisplayHidden leaves the proxy unchanged and hides it.
	DisplayHidden
)

var missingItemModeNames = map[MissingItemMode]string{
	CreateFromPrevious: "create-from-previous",
	CreateFromDefault:  "create-from-default",
	SetToDefault:       "set-to-default",
	Ignore:             "ignore",
	DisplayHidden:      "display-hidden",
}

func (m MissingItemMode) String() string {
	if s, ok := missingItemModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MissingItemMode(%d)", int(m))
}

// ParseMissingItemMode parses the configuration name of a mode.
// An empty string selects CreateFromPrevious.
func ParseMissingItemMode(s string) (MissingItemMode, error) {
	if s == "" {
		return CreateFromPrevious, nil
	}
	for mode, name := range missingItemModeNames {
		if strings.EqualFold(name, s) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown missing item mode %q", s)
}

// IndexDisplayMode selects how proxy names show the current position.
type IndexDisplayMode int

const (
	// DisplayIndexValue renders "name [index=value unit]".
	DisplayIndexValue IndexDisplayMode = iota
	// DisplayOrdinal renders "name [N/Total]".
	DisplayOrdinal
)

func (m IndexDisplayMode) String() string {
	switch m {
	case DisplayIndexValue:
		return "index-value"
	case DisplayOrdinal:
		return "ordinal"
	default:
		return fmt.Sprintf("IndexDisplayMode(%d)", int(m))
	}
}

// ParseIndexDisplayMode parses "index-value" or "ordinal".
func ParseIndexDisplayMode(s string) (IndexDisplayMode, error) {
	switch strings.ToLower(s) {
	case "", "index-value":
		return DisplayIndexValue, nil
	case "ordinal":
		return DisplayOrdinal, nil
	default:
		return 0, fmt.Errorf("unknown index display mode %q", s)
	}
}

// SyncSettings are the per-sequence flags of a browser.
type SyncSettings struct {
	// Playback enables mirroring the sequence into its proxy.
	Playback bool
	// SaveChanges writes proxy edits back into the sequence.
	SaveChanges bool
	// Recording includes the sequence in recorded timepoints.
	Recording bool
	// MissingItemMode applies when no item exists at the selected index.
	MissingItemMode MissingItemMode
	// OverwriteProxyName regenerates the proxy name on every update.
	OverwriteProxyName bool
}

// DefaultSyncSettings returns the settings a newly synchronized sequence gets.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Playback:           true,
		SaveChanges:        false,
		Recording:          true,
		MissingItemMode:    CreateFromPrevious,
		OverwriteProxyName: true,
	}
}
