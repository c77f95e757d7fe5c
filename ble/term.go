package ble

import (
	"fmt"
	"time"
)

// Slot is the advertising interval unit, 0.625 ms.
const Slot = 625 * time.Microsecond

// Minimum advertising intervals, in slots.
const (
	MinIntervalSlotsScannable    = 160 // 100 ms
	MinIntervalSlotsNonScannable = 32  // 20 ms
)

type TermKind int

const (
	TermActive TermKind = iota
	TermSilent
	TermLoopTo
)

func (k TermKind) String() string {
	switch k {
	case TermActive:
		return "active"
	case TermSilent:
		return "silent"
	case TermLoopTo:
		return "loop"
	}
	return "unknown"
}

// Term is one step of an advertising job's schedule: advertise at an
// interval range, stay silent, or jump back to an earlier step.
type Term struct {
	Kind     TermKind
	MinSlots uint16
	MaxSlots uint16
	Duration time.Duration
	Forever  bool
	LoopTo   int
}

func Active(minSlots, maxSlots uint16, d time.Duration) Term {
	return Term{Kind: TermActive, MinSlots: minSlots, MaxSlots: maxSlots, Duration: d}
}

func ActiveForever(minSlots, maxSlots uint16) Term {
	return Term{Kind: TermActive, MinSlots: minSlots, MaxSlots: maxSlots, Forever: true}
}

func Silent(d time.Duration) Term {
	return Term{Kind: TermSilent, Duration: d}
}

// LoopTo jumps back to the term at index.
func LoopTo(index int) Term {
	return Term{Kind: TermLoopTo, LoopTo: index}
}

func (t Term) silent() bool {
	return t.Kind == TermSilent
}

func (t Term) String() string {
	switch t.Kind {
	case TermActive:
		if t.Forever {
			return fmt.Sprintf("active(%d-%d, forever)", t.MinSlots, t.MaxSlots)
		}
		return fmt.Sprintf("active(%d-%d, %v)", t.MinSlots, t.MaxSlots, t.Duration)
	case TermSilent:
		return fmt.Sprintf("silent(%v)", t.Duration)
	case TermLoopTo:
		return fmt.Sprintf("loop(%d)", t.LoopTo)
	}
	return "unknown"
}

func slotsToMs(slots uint16) float64 {
	return float64(slots) * float64(Slot) / float64(time.Millisecond)
}

// validateTerms checks a schedule before it is accepted.
func validateTerms(terms []Term, scannable bool) error {
	if len(terms) == 0 {
		return fmt.Errorf("%w: no terms", ErrInvalidTerm)
	}
	if terms[0].Kind == TermLoopTo {
		return fmt.Errorf("%w: schedule cannot start with a loop", ErrInvalidTerm)
	}

	floor := uint16(MinIntervalSlotsNonScannable)
	if scannable {
		floor = MinIntervalSlotsScannable
	}

	for i, t := range terms {
		switch t.Kind {
		case TermActive:
			if t.MinSlots < floor {
				return fmt.Errorf("%w: term %d interval %d below minimum %d", ErrInvalidTerm, i, t.MinSlots, floor)
			}
			if t.MaxSlots < t.MinSlots {
				return fmt.Errorf("%w: term %d max interval below min", ErrInvalidTerm, i)
			}
			if !t.Forever && t.Duration <= 0 {
				return fmt.Errorf("%w: term %d has no duration", ErrInvalidTerm, i)
			}
		case TermSilent:
			if t.Forever {
				return fmt.Errorf("%w: term %d is silent forever", ErrInvalidTerm, i)
			}
			if t.Duration <= 0 {
				return fmt.Errorf("%w: term %d has no duration", ErrInvalidTerm, i)
			}
		case TermLoopTo:
			if t.LoopTo < 0 || t.LoopTo >= i || terms[t.LoopTo].Kind == TermLoopTo {
				return fmt.Errorf("%w: term %d loops to invalid index %d", ErrInvalidTerm, i, t.LoopTo)
			}
		default:
			return fmt.Errorf("%w: term %d has unknown kind %d", ErrInvalidTerm, i, t.Kind)
		}
	}
	return nil
}
