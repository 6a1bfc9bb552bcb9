package httpapi

import (
	"fmt"

	"github.com/localtuner/multiviewer/internal/layout"
	"github.com/localtuner/multiviewer/internal/session"
)

// The compiler and layout.Validate work in integer slot indices and
// fractions of the 1920x1080 canvas; the documented wire contract uses
// named slots ("main", "inset", a custom layout's own ids) and pixel
// coordinates. This file is the only place that translates between them.

const (
	canvasWidth  = 1920.0
	canvasHeight = 1080.0
)

// wireCustomSlot is the external, pixel-coordinate representation of one
// custom-layout rectangle.
type wireCustomSlot struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Border bool    `json:"border,omitempty"`
}

// layoutRequest is the documented wire body for POST /layout.
type layoutRequest struct {
	Layout       string             `json:"layout"`
	Streams      map[string]string  `json:"streams"`
	AudioSource  string             `json:"audio_source"`
	CustomSlots  []wireCustomSlot   `json:"custom_slots,omitempty"`
	AudioVolumes map[string]float64 `json:"audio_volumes,omitempty"`
}

// slotScheme resolves name<->index for one layout: the kind's fixed scheme
// for everything but custom, or the order the caller listed ids in for
// custom.
type slotScheme struct {
	names   map[int]string
	indexOf map[string]int
}

func newSlotScheme(kind layout.Kind, customSlots []wireCustomSlot) (slotScheme, error) {
	if kind == layout.KindCustom {
		names := make(map[int]string, len(customSlots))
		indexOf := make(map[string]int, len(customSlots))
		for i, cs := range customSlots {
			if cs.ID == "" {
				return slotScheme{}, fmt.Errorf("%w: custom slot %d is missing an id", layout.ErrInvalidLayout, i)
			}
			names[i] = cs.ID
			indexOf[cs.ID] = i
		}
		return slotScheme{names: names, indexOf: indexOf}, nil
	}
	ordered := layout.SlotNames(kind)
	if ordered == nil {
		return slotScheme{}, fmt.Errorf("%w: unknown layout kind %q", layout.ErrInvalidLayout, kind)
	}
	names := make(map[int]string, len(ordered))
	indexOf := make(map[string]int, len(ordered))
	for i, n := range ordered {
		names[i] = n
		indexOf[n] = i
	}
	return slotScheme{names: names, indexOf: indexOf}, nil
}

// schemeFromConfig rebuilds a slotScheme for a Config already stored by the
// session, preferring its own recorded SlotNames (so a custom layout's
// caller-given ids survive the round trip) and falling back to the kind's
// fixed scheme otherwise.
func schemeFromConfig(cfg layout.Config) slotScheme {
	if cfg.SlotNames != nil {
		indexOf := make(map[string]int, len(cfg.SlotNames))
		for i, n := range cfg.SlotNames {
			indexOf[n] = i
		}
		return slotScheme{names: cfg.SlotNames, indexOf: indexOf}
	}
	sc, err := newSlotScheme(cfg.Kind, nil)
	if err != nil {
		return slotScheme{names: map[int]string{}, indexOf: map[string]int{}}
	}
	return sc
}

func (sc slotScheme) index(name string) (int, bool) {
	i, ok := sc.indexOf[name]
	return i, ok
}

func (sc slotScheme) name(index int) string {
	if n, ok := sc.names[index]; ok {
		return n
	}
	return fmt.Sprintf("slot%d", index)
}

// toConfig translates req into the compiler's internal representation.
func (req layoutRequest) toConfig() (layout.Config, error) {
	kind := layout.Kind(req.Layout)
	sc, err := newSlotScheme(kind, req.CustomSlots)
	if err != nil {
		return layout.Config{}, err
	}

	cfg := layout.Config{
		Kind:      kind,
		Slots:     make(map[int]string, len(req.Streams)),
		SlotNames: sc.names,
	}
	for name, channelID := range req.Streams {
		idx, ok := sc.index(name)
		if !ok {
			return layout.Config{}, fmt.Errorf("%w: %s has no slot named %q", layout.ErrInvalidLayout, kind, name)
		}
		cfg.Slots[idx] = channelID
	}

	cfg.AudioSourceSlot = -1
	if req.AudioSource != "" {
		idx, ok := sc.index(req.AudioSource)
		if !ok {
			return layout.Config{}, fmt.Errorf("%w: audio_source %q is not a known slot", layout.ErrInvalidLayout, req.AudioSource)
		}
		cfg.AudioSourceSlot = idx
	}

	if kind == layout.KindCustom {
		cfg.CustomSlots = make([]layout.CustomSlot, len(req.CustomSlots))
		for i, cs := range req.CustomSlots {
			cfg.CustomSlots[i] = layout.CustomSlot{
				Slot:   i,
				X:      cs.X / canvasWidth,
				Y:      cs.Y / canvasHeight,
				W:      cs.Width / canvasWidth,
				H:      cs.Height / canvasHeight,
				Border: cs.Border,
			}
		}
	}

	if len(req.AudioVolumes) > 0 {
		cfg.SlotVolumes = make(map[int]float64, len(req.AudioVolumes))
		for name, vol := range req.AudioVolumes {
			idx, ok := sc.index(name)
			if !ok {
				return layout.Config{}, fmt.Errorf("%w: audio_volumes references unknown slot %q", layout.ErrInvalidLayout, name)
			}
			cfg.SlotVolumes[idx] = vol
		}
	}

	return cfg, nil
}

// layoutResponse echoes an applied (or current) layout back using the same
// named-slot vocabulary as the request.
type layoutResponse struct {
	Status       string             `json:"status"`
	Streams      map[string]string  `json:"streams"`
	AudioVolumes map[string]float64 `json:"audio_volumes"`
}

func toLayoutResponse(status string, cfg layout.Config) layoutResponse {
	sc := schemeFromConfig(cfg)
	resp := layoutResponse{
		Status:       status,
		Streams:      make(map[string]string, len(cfg.Slots)),
		AudioVolumes: make(map[string]float64, len(cfg.Slots)),
	}
	for idx, channelID := range cfg.Slots {
		name := sc.name(idx)
		resp.Streams[name] = channelID
		resp.AudioVolumes[name] = cfg.VolumeFor(idx)
	}
	return resp
}

// volumeRequest is the documented wire body for POST /audio/volume.
type volumeRequest struct {
	SlotID string  `json:"slot_id"`
	Volume float64 `json:"volume"`
}

// volumeResponse is the documented wire body returned by POST /audio/volume.
type volumeResponse struct {
	Status string  `json:"status"`
	SlotID string  `json:"slot_id"`
	Volume float64 `json:"volume"`
}

// volumesResponse is the documented wire body for GET /audio/volumes.
type volumesResponse struct {
	Volumes map[string]float64 `json:"volumes"`
	Layout  string             `json:"layout"`
	Streams map[string]string  `json:"streams"`
}

// layoutSummary is the named-slot view of one layout.Config, used to report
// current_layout/last_layout in GET /status.
type layoutSummary struct {
	Layout       string             `json:"layout"`
	Streams      map[string]string  `json:"streams"`
	AudioSource  string             `json:"audio_source,omitempty"`
	AudioVolumes map[string]float64 `json:"audio_volumes,omitempty"`
}

func toLayoutSummary(cfg layout.Config) layoutSummary {
	sc := schemeFromConfig(cfg)
	sum := layoutSummary{
		Layout:       string(cfg.Kind),
		Streams:      make(map[string]string, len(cfg.Slots)),
		AudioVolumes: make(map[string]float64, len(cfg.Slots)),
	}
	for idx, channelID := range cfg.Slots {
		name := sc.name(idx)
		sum.Streams[name] = channelID
		sum.AudioVolumes[name] = cfg.VolumeFor(idx)
	}
	if cfg.AudioSourceSlot >= 0 {
		sum.AudioSource = sc.name(cfg.AudioSourceSlot)
	}
	return sum
}

// statusResponse is the documented wire body for GET /status.
type statusResponse struct {
	Mode             string         `json:"mode"`
	ConnectedClients int            `json:"connected_clients"`
	CurrentLayout    *layoutSummary `json:"current_layout"`
	LastLayout       *layoutSummary `json:"last_layout"`
	Encoder          session.EncoderInfo `json:"encoder"`
	TimeUntilIdleSec float64        `json:"time_until_idle"`
}

func toStatusResponse(st session.Status) statusResponse {
	resp := statusResponse{
		Mode:             st.Mode,
		ConnectedClients: st.ClientCount,
		Encoder:          st.Encoder,
		TimeUntilIdleSec: st.TimeUntilIdle.Seconds(),
	}
	if st.Layout != nil {
		sum := toLayoutSummary(*st.Layout)
		resp.CurrentLayout = &sum
	}
	if st.LastLayout != nil {
		sum := toLayoutSummary(*st.LastLayout)
		resp.LastLayout = &sum
	}
	return resp
}
