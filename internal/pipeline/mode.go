package pipeline

import (
	"fmt"

	"github.com/Father1993/PIM-Image-Management/internal/records"
)

// Stage is one network step applied to an item
type Stage string

const (
	// StageTransform sends the source image through the transformation service
	StageTransform Stage = "transform"
	// StageUpload pushes the optimized image to the catalog
	StageUpload Stage = "upload"
)

// Mode selects which pass a run performs
type Mode string

const (
	// ModeDiscover registers catalog pictures as image records
	ModeDiscover Mode = "discover"
	// ModeTransform optimizes images without uploading them
	ModeTransform Mode = "transform"
	// ModeUpload uploads images optimized by an earlier transform pass
	ModeUpload Mode = "upload"
	// ModeFull transforms and uploads
	ModeFull Mode = "full"
	// ModePreview runs the full cycle on a few items with dry-run clients
	ModePreview Mode = "preview"
)

// Modes lists every mode in CLI order
var Modes = []Mode{ModeDiscover, ModeTransform, ModeUpload, ModeFull, ModePreview}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q (expected one of %v)", s, Modes)
}

// Stages returns the stages an item goes through in this mode
func (m Mode) Stages() []Stage {
	switch m {
	case ModeTransform:
		return []Stage{StageTransform}
	case ModeUpload:
		return []Stage{StageUpload}
	case ModeFull, ModePreview:
		return []Stage{StageTransform, StageUpload}
	default:
		return nil
	}
}

// Filter returns the scanner predicate of this mode
func (m Mode) Filter() records.Filter {
	switch m {
	case ModeTransform:
		return records.FilterNotOptimized
	case ModeUpload:
		return records.FilterOptimizedNotUploaded
	default:
		return records.FilterNotUploaded
	}
}

// Pass returns the ledger partition of this mode. Preview shares the full pass name
// but always runs on a throwaway ledger.
func (m Mode) Pass() string {
	switch m {
	case ModeTransform:
		return string(ModeTransform)
	case ModeUpload:
		return string(ModeUpload)
	default:
		return string(ModeFull)
	}
}

// UsesScheduler reports whether the mode runs items through the batch scheduler
func (m Mode) UsesScheduler() bool {
	return m != ModeDiscover
}
