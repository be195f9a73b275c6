// Package artefact owns the portfolio artefact model and its status machine:
// DRAFT -> PROCESSING -> REVIEW -> FINAL -> EXPORTED. Status never regresses
// automatically; EXPORTED is terminal.
package artefact

import (
	"errors"
	"fmt"
)

// ErrFinalized is returned when a mutation would regress a FINAL or EXPORTED
// artefact. Re-opening a finalized artefact is an explicit external action,
// not something the core does implicitly.
var ErrFinalized = errors.New("artefact is finalized")

// ErrNotFinal is returned when export is attempted on a non-FINAL artefact.
var ErrNotFinal = errors.New("artefact is not FINAL")

// Lifecycle applies the status rules. FinalThreshold is the completeness at or
// above which an artefact with all required sections filled skips REVIEW and
// goes straight to FINAL.
type Lifecycle struct {
	FinalThreshold float64
}

func NewLifecycle(finalThreshold float64) *Lifecycle {
	return &Lifecycle{FinalThreshold: finalThreshold}
}

// Advance moves the artefact according to its completeness and whether any
// required section is still empty, and returns the new status. While required
// content is missing the artefact stays at (or moves to) PROCESSING. Once all
// required sections are filled it becomes REVIEW below the threshold, FINAL
// at or above it. Advance never regresses a FINAL or EXPORTED artefact.
func (l *Lifecycle) Advance(a *Artefact, completeness float64, missingRequired int) (Status, error) {
	if a.Status == StatusFinal || a.Status == StatusExported {
		return a.Status, ErrFinalized
	}

	a.Completeness = completeness
	if missingRequired > 0 {
		a.Status = StatusProcessing
		return a.Status, nil
	}
	if completeness >= l.FinalThreshold {
		a.Status = StatusFinal
	} else {
		a.Status = StatusReview
	}
	return a.Status, nil
}

// Finalize promotes a REVIEW artefact to FINAL after human sign-off.
func (l *Lifecycle) Finalize(a *Artefact) error {
	switch a.Status {
	case StatusReview:
		a.Status = StatusFinal
		return nil
	case StatusFinal:
		return nil
	default:
		return fmt.Errorf("cannot finalize artefact in status %s", a.Status)
	}
}

// MarkExported moves a FINAL artefact to the terminal EXPORTED status.
func (l *Lifecycle) MarkExported(a *Artefact) error {
	if a.Status == StatusExported {
		return nil
	}
	if a.Status != StatusFinal {
		return fmt.Errorf("%w: status %s", ErrNotFinal, a.Status)
	}
	a.Status = StatusExported
	return nil
}
