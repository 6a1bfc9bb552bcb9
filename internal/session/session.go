// Package session implements the single-encoder state machine: idle,
// starting, and live, with one mutex serializing every transition. The
// mutex is never held across client-socket I/O or encoder-pipe reads —
// only around the bookkeeping that decides what to do next.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/localtuner/multiviewer/internal/broadcaster"
	"github.com/localtuner/multiviewer/internal/catalog"
	"github.com/localtuner/multiviewer/internal/compiler"
	"github.com/localtuner/multiviewer/internal/encoder"
	"github.com/localtuner/multiviewer/internal/layout"
	"github.com/localtuner/multiviewer/internal/metrics"
)

// Mode is the session's lifecycle state.
type Mode int

const (
	Idle Mode = iota
	Starting
	Live
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

var (
	ErrNoActiveLayout  = errors.New("session: no active layout")
	ErrColdStartFailed = errors.New("session: cold start failed")
	ErrSpawnFailed     = encoder.ErrSpawnFailed
)

// coldStartWarmup and spawnFunc are vars (not consts) so tests can shrink
// the warm-up wait and avoid depending on a real ffmpeg binary.
var (
	coldStartWarmup = 5 * time.Second
	spawnFunc       = encoder.Spawn
)

// Deps bundles the session's external collaborators.
type Deps struct {
	Catalog           *catalog.Catalog
	FFmpegPath        string // "" = resolved via PATH
	UserAgent         string
	SourceHeaders     []string
	InsetScale        int
	InsetMargin       int
	EncoderProfile    compiler.EncoderProfile
	IdleTimeout       time.Duration
	ApplyDebounce     *rate.Limiter // may be nil to disable debouncing
}

// EncoderInfo describes the encoder profile currently in effect, echoed by
// Status so clients can show what's actually producing their stream.
type EncoderInfo struct {
	Type       string `json:"type"` // "hardware" or "software"
	Name       string `json:"name"`
	Codec      string `json:"codec"`
	Preference string `json:"preference"`
}

// Status is a read-only snapshot for the control API.
type Status struct {
	Mode            string         `json:"mode"`
	Layout          *layout.Config `json:"current_layout"`
	LastLayout      *layout.Config `json:"last_layout"`
	ClientCount     int            `json:"connected_clients"`
	Evictions       int            `json:"evictions"`
	Encoder         EncoderInfo    `json:"encoder"`
	TimeUntilIdle   time.Duration  `json:"time_until_idle"` // 0 unless live and the idle watchdog has seen zero clients
}

// Session owns the single live encoder and the long-lived broadcaster that
// survives every layout switch. Only the broadcaster's source is swapped
// per switch; its sink set is untouched, so already-attached clients keep
// streaming instead of being disconnected by every layout or volume change.
type Session struct {
	deps Deps

	mu            sync.Mutex
	mode          Mode
	current       layout.Config
	lastLayout    *layout.Config
	handle        *encoder.Handle
	bcast         *broadcaster.Broadcaster
	idleSince     time.Time
	lastEvictions int
}

// reportEvictionsLocked adds any new sink evictions since the last check to
// the cumulative metrics counter. Caller must hold s.mu.
func (s *Session) reportEvictionsLocked() {
	current := s.bcast.Evictions()
	if delta := current - s.lastEvictions; delta > 0 {
		metrics.SinkEvictions.Add(float64(delta))
	}
	s.lastEvictions = current
}

// New returns a session in the idle state, with its one long-lived
// broadcaster created but not yet pumping (no source is attached until the
// first successful ApplyLayout).
func New(deps Deps) *Session {
	return &Session{deps: deps, mode: Idle, bcast: broadcaster.New()}
}

// ApplyLayout validates cfg, compiles and spawns a new encoder for it, and
// swaps it in for whatever is currently running — starting a new encoder
// before stopping the old one, so a spawn failure never leaves the session
// without its previous (working) stream.
func (s *Session) ApplyLayout(ctx context.Context, cfg layout.Config) error {
	if s.deps.ApplyDebounce != nil {
		if err := s.deps.ApplyDebounce.Wait(ctx); err != nil {
			return err
		}
	}

	known := make(map[string]bool)
	urls := make(map[string]string)
	for _, ch := range s.deps.Catalog.Snapshot(ctx) {
		known[ch.ID] = true
		urls[ch.ID] = ch.StreamURL
	}
	if err := layout.Validate(cfg, known); err != nil {
		return err
	}

	args, err := compiler.Compile(compiler.Spec{
		Layout:      cfg,
		ChannelURLs: urls,
		InsetScale:  s.deps.InsetScale,
		InsetMargin: s.deps.InsetMargin,
		UserAgent:   s.deps.UserAgent,
		Headers:     s.deps.SourceHeaders,
		Profile:     s.deps.EncoderProfile,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	// The encoder outlives the request that applied it, so it must not be
	// killed when ctx is cancelled; Stop and Kill end it instead.
	newHandle, err := spawnFunc(context.WithoutCancel(ctx), s.deps.FFmpegPath, args)
	if err != nil {
		metrics.EncoderSpawns.WithLabelValues("spawn_failed").Inc()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	metrics.EncoderSpawns.WithLabelValues("ok").Inc()

	s.mu.Lock()
	oldHandle := s.handle
	s.handle = newHandle
	s.current = cfg
	s.lastLayout = &cfg
	s.mode = Live
	s.idleSince = time.Time{}
	bcast := s.bcast
	s.mu.Unlock()

	// Swap the broadcaster's pump source under its own lock: the sink set
	// is left untouched, so every already-attached client continues from
	// the next byte the new handle produces instead of being evicted.
	bcast.AttachSource(newHandle.Stdout())

	metrics.LayoutSwitchSeconds.Observe(time.Since(start).Seconds())
	metrics.SessionMode.Set(metrics.ModeValue("live"))

	if oldHandle != nil {
		// No grace period: switch latency matters more than a clean exit
		// the client wouldn't observe anyway.
		oldHandle.Kill()
	}
	return nil
}

// Stop tears down the active encoder and returns to idle. The broadcaster
// itself is only detached from its source, not destroyed: any attached
// clients remain registered and resume on the next cold start or apply.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.mode == Idle {
		s.mu.Unlock()
		return ErrNoActiveLayout
	}
	handle, bcast := s.handle, s.bcast
	s.handle = nil
	s.mode = Idle
	s.mu.Unlock()

	if bcast != nil {
		bcast.DetachSource()
	}
	if handle != nil {
		handle.Stop()
	}
	metrics.SessionMode.Set(metrics.ModeValue("idle"))
	metrics.ActiveClients.Set(0)
	return nil
}

// SetVolume updates one slot's volume in the current (or last-known)
// layout and re-applies it, reusing the same spawn-then-swap path as any
// other layout change.
func (s *Session) SetVolume(ctx context.Context, slot int, vol float64) error {
	s.mu.Lock()
	var cfg layout.Config
	switch {
	case s.mode != Idle:
		cfg = s.current
	case s.lastLayout != nil:
		cfg = *s.lastLayout
	default:
		s.mu.Unlock()
		return ErrNoActiveLayout
	}
	s.mu.Unlock()

	if cfg.SlotVolumes == nil {
		cfg.SlotVolumes = make(map[int]float64, len(cfg.Slots))
	} else {
		clone := make(map[int]float64, len(cfg.SlotVolumes))
		for k, v := range cfg.SlotVolumes {
			clone[k] = v
		}
		cfg.SlotVolumes = clone
	}
	cfg.SlotVolumes[slot] = vol
	return s.ApplyLayout(ctx, cfg)
}

// Volumes returns the current layout's effective per-slot volumes.
func (s *Session) Volumes() map[int]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == Idle {
		return nil
	}
	out := make(map[int]float64, len(s.current.Slots))
	for slot := range s.current.Slots {
		out[slot] = s.current.VolumeFor(slot)
	}
	return out
}

// AttachClient returns a sink streaming the live output. If the session is
// idle but a last-known layout exists, it attempts a cold start first: one
// goroutine wins the compare-and-set into Starting, spawns the encoder,
// waits coldStartWarmup for the first frames, then promotes to Live.
// Concurrent callers during a cold start wait for it to finish instead of
// racing to spawn their own encoder.
func (s *Session) AttachClient(ctx context.Context) (*broadcaster.Sink, error) {
	s.mu.Lock()
	switch s.mode {
	case Live:
		b := s.bcast
		s.mu.Unlock()
		return b.Subscribe(), nil
	case Starting:
		s.mu.Unlock()
		return s.waitForLiveThenAttach(ctx)
	default: // Idle
		if s.lastLayout == nil {
			s.mu.Unlock()
			return nil, ErrNoActiveLayout
		}
		cfg := *s.lastLayout
		s.mode = Starting
		s.mu.Unlock()
		if err := s.coldStart(ctx, cfg); err != nil {
			metrics.EncoderSpawns.WithLabelValues("cold_start_failed").Inc()
			s.mu.Lock()
			s.mode = Idle
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Lock()
		b := s.bcast
		s.mu.Unlock()
		return b.Subscribe(), nil
	}
}

func (s *Session) waitForLiveThenAttach(ctx context.Context) (*broadcaster.Sink, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			mode, b := s.mode, s.bcast
			s.mu.Unlock()
			if mode == Live {
				return b.Subscribe(), nil
			}
			if mode == Idle {
				return nil, ErrColdStartFailed
			}
		}
	}
}

func (s *Session) coldStart(ctx context.Context, cfg layout.Config) error {
	if err := s.ApplyLayout(ctx, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrColdStartFailed, err)
	}
	// ApplyLayout marks the session Live; hold it at Starting through the
	// warm-up so concurrent callers keep waiting until it is over.
	s.mu.Lock()
	if s.mode == Live {
		s.mode = Starting
	}
	s.mu.Unlock()
	select {
	case <-time.After(coldStartWarmup):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	if s.mode == Starting {
		s.mode = Live
	}
	s.mu.Unlock()
	return nil
}

// DetachClient removes sink from the broadcaster's sink set.
func (s *Session) DetachClient(sink *broadcaster.Sink) {
	s.mu.Lock()
	b := s.bcast
	s.mu.Unlock()
	if b != nil {
		b.Unsubscribe(sink)
	}
}

// Status returns a snapshot of the session for the control API.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Mode: s.mode.String(), Encoder: s.encoderInfoLocked()}
	if s.lastLayout != nil {
		last := *s.lastLayout
		st.LastLayout = &last
	}
	if s.mode != Idle {
		cfg := s.current
		st.Layout = &cfg
		st.ClientCount = s.bcast.Count()
		st.Evictions = s.bcast.Evictions()
	}
	if s.mode == Live && !s.idleSince.IsZero() {
		timeout := s.deps.IdleTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		if remaining := timeout - time.Since(s.idleSince); remaining > 0 {
			st.TimeUntilIdle = remaining
		}
	}
	return st
}

// encoderInfoLocked reports the encoder profile in effect. Caller must
// hold s.mu.
func (s *Session) encoderInfoLocked() EncoderInfo {
	p := s.deps.EncoderProfile
	typ := "hardware"
	if p.Name == "" || p.Name == "cpu" {
		typ = "software"
	}
	return EncoderInfo{Type: typ, Name: p.Name, Codec: p.VideoCodec, Preference: p.Name}
}

// RunIdleWatchdog stops the encoder after deps.IdleTimeout of zero
// attached clients while live. It ticks every 5 seconds until ctx is done.
func (s *Session) RunIdleWatchdog(ctx context.Context) {
	timeout := s.deps.IdleTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkIdle(ctx, timeout)
		}
	}
}

func (s *Session) checkIdle(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	if s.mode != Live {
		s.idleSince = time.Time{}
		s.mu.Unlock()
		return
	}
	count := s.bcast.Count()
	s.reportEvictionsLocked()
	metrics.ActiveClients.Set(float64(count))
	if count > 0 {
		s.idleSince = time.Time{}
		s.mu.Unlock()
		return
	}
	if s.idleSince.IsZero() {
		s.idleSince = time.Now()
		s.mu.Unlock()
		return
	}
	expired := time.Since(s.idleSince) >= timeout
	s.mu.Unlock()
	if expired {
		log.Printf("session: idle timeout reached with no clients, stopping")
		if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNoActiveLayout) {
			log.Printf("session: idle stop: %v", err)
		}
	}
}
