// Package layout defines the declarative description of how multiple
// channels are composited into one output frame, and validates it before
// it ever reaches the encoder.
package layout

import (
	"errors"
	"fmt"
)

// Kind names one of the supported compositions.
type Kind string

const (
	KindPiP        Kind = "pip"
	KindDVDPiP     Kind = "dvd_pip"
	KindSplitH     Kind = "split_h"
	KindSplitV     Kind = "split_v"
	KindGrid2x2    Kind = "grid_2x2"
	KindMultiPiP2  Kind = "multi_pip_2"
	KindMultiPiP3  Kind = "multi_pip_3"
	KindMultiPiP4  Kind = "multi_pip_4"
	KindCustom     Kind = "custom"
)

// slotCount is the exact number of channel slots each fixed-shape layout
// requires. Custom layouts derive their slot count from CustomSlots.
var slotCount = map[Kind]int{
	KindPiP:       2,
	KindDVDPiP:    2,
	KindSplitH:    2,
	KindSplitV:    2,
	KindGrid2x2:   4,
	KindMultiPiP2: 3,
	KindMultiPiP3: 4,
	KindMultiPiP4: 5,
}

// ErrInvalidLayout is wrapped with a reason by Validate.
var ErrInvalidLayout = errors.New("invalid layout")

// CustomSlot places one channel at an explicit rectangle, used only by
// KindCustom. X/Y/W/H are fractions of the 1920x1080 output (0.0-1.0).
// Border wraps the rectangle in an 8px white border, shifting its content
// inward by 8px on each side so the border itself stays within (X,Y,W,H).
type CustomSlot struct {
	Slot   int     `json:"slot"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	W      float64 `json:"w"`
	H      float64 `json:"h"`
	Border bool    `json:"border,omitempty"`
}

// Config is a complete, validated description of one composited output.
type Config struct {
	Kind            Kind            `json:"kind"`
	Slots           map[int]string  `json:"slots"`                   // slot index -> channel ID
	AudioSourceSlot int             `json:"audio_source_slot"`       // slot named as the audio source, -1 for none; the mix itself follows VolumeFor
	CustomSlots     []CustomSlot    `json:"custom_slots,omitempty"`
	SlotVolumes     map[int]float64 `json:"slot_volumes,omitempty"` // slot -> volume 0.0-1.0

	// SlotNames records the external, caller-facing name each slot index
	// was bound to (e.g. "main", "inset", or a custom layout's own slot
	// id). It carries no weight in Validate or the compiler; it exists so
	// the control API can echo a layout back using the same vocabulary the
	// caller applied it with. Nil for a Config built without going through
	// that translation (tests, direct construction) — callers fall back to
	// the kind's fixed SlotNames scheme in that case.
	SlotNames map[int]string `json:"-"`
}

// Validate checks that c is internally consistent and resolvable against
// the given set of known channel IDs. It performs no I/O.
func Validate(c Config, knownChannelIDs map[string]bool) error {
	switch c.Kind {
	case KindPiP, KindDVDPiP, KindSplitH, KindSplitV, KindGrid2x2,
		KindMultiPiP2, KindMultiPiP3, KindMultiPiP4:
		want := slotCount[c.Kind]
		if len(c.Slots) != want {
			return fmt.Errorf("%w: %s requires exactly %d slots, got %d", ErrInvalidLayout, c.Kind, want, len(c.Slots))
		}
		for i := 0; i < want; i++ {
			if _, ok := c.Slots[i]; !ok {
				return fmt.Errorf("%w: %s missing slot %d", ErrInvalidLayout, c.Kind, i)
			}
		}
	case KindCustom:
		if len(c.CustomSlots) == 0 {
			return fmt.Errorf("%w: custom layout requires at least one custom slot", ErrInvalidLayout)
		}
		if len(c.CustomSlots) > 5 {
			return fmt.Errorf("%w: custom layout supports at most 5 slots, got %d", ErrInvalidLayout, len(c.CustomSlots))
		}
		for _, cs := range c.CustomSlots {
			if _, ok := c.Slots[cs.Slot]; !ok {
				return fmt.Errorf("%w: custom slot %d has no assigned channel", ErrInvalidLayout, cs.Slot)
			}
			if cs.W <= 0 || cs.H <= 0 {
				return fmt.Errorf("%w: custom slot %d has non-positive size", ErrInvalidLayout, cs.Slot)
			}
			if cs.X < 0 || cs.Y < 0 || cs.X+cs.W > 1.0001 || cs.Y+cs.H > 1.0001 {
				return fmt.Errorf("%w: custom slot %d extends outside the frame", ErrInvalidLayout, cs.Slot)
			}
		}
	default:
		return fmt.Errorf("%w: unknown layout kind %q", ErrInvalidLayout, c.Kind)
	}

	for slot, chanID := range c.Slots {
		if !knownChannelIDs[chanID] {
			return fmt.Errorf("%w: slot %d references unknown channel %q", ErrInvalidLayout, slot, chanID)
		}
	}

	if c.AudioSourceSlot >= 0 {
		if _, ok := c.Slots[c.AudioSourceSlot]; !ok {
			return fmt.Errorf("%w: audio_source_slot %d is not an assigned slot", ErrInvalidLayout, c.AudioSourceSlot)
		}
	}

	for slot := range c.SlotVolumes {
		if _, ok := c.Slots[slot]; !ok {
			return fmt.Errorf("%w: slot_volumes references unassigned slot %d", ErrInvalidLayout, slot)
		}
	}

	return nil
}

// VolumeFor returns the effective volume for slot, applying the default
// mute semantics: the layout's lowest assigned slot index defaults to 1.0,
// every other slot defaults to 0.0, unless SlotVolumes sets it explicitly.
func (c Config) VolumeFor(slot int) float64 {
	if v, ok := c.SlotVolumes[slot]; ok {
		return v
	}
	ordered := c.OrderedSlots()
	if len(ordered) > 0 && slot == ordered[0] {
		return 1.0
	}
	return 0.0
}

// OrderedSlots returns the slot indices in ascending order.
func (c Config) OrderedSlots() []int {
	out := make([]int, 0, len(c.Slots))
	for s := range c.Slots {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
