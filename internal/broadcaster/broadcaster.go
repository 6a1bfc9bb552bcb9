// Package broadcaster fans out one MPEG-TS byte stream to any number of
// concurrent client sinks. One goroutine pumps the source; it never blocks
// on a slow client — a sink that falls behind is evicted, not the pump.
package broadcaster

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSinkEvicted is returned by Sink.Read after the sink's queue overflowed
// and the broadcaster dropped it.
var ErrSinkEvicted = errors.New("broadcaster: sink evicted")

const (
	readChunkSize  = 188 * 20 // 20 whole 188-byte MPEG-TS packets (3760 bytes) per read
	sinkQueueDepth = 100
	dequeueTimeout = 1 * time.Second
)

// Sink receives chunks for one client. Sinks are added and removed through
// Broadcaster.Subscribe/Unsubscribe; the client goroutine only calls Read.
type Sink struct {
	ID      string
	queue   chan []byte
	evicted chan struct{}
	once    sync.Once
}

func newSink() *Sink {
	return &Sink{
		ID:      uuid.NewString(),
		queue:   make(chan []byte, sinkQueueDepth),
		evicted: make(chan struct{}),
	}
}

func (s *Sink) evict() {
	s.once.Do(func() { close(s.evicted) })
}

// Read blocks for up to dequeueTimeout for the next chunk. It returns
// ErrSinkEvicted once the sink has been dropped and its queue drained.
func (s *Sink) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.queue:
		if !ok {
			return nil, ErrSinkEvicted
		}
		return b, nil
	case <-s.evicted:
		select {
		case b := <-s.queue:
			return b, nil
		default:
			return nil, ErrSinkEvicted
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(dequeueTimeout):
		return nil, nil // no data yet; caller should loop
	}
}

// Broadcaster owns the live sink set and, while attached, the pump reading
// the current encoder's output. The sink set and the pump source are
// independent: swapping the source with AttachSource never touches the
// sink set, so a layout switch continues every already-attached client
// from the next byte the new source produces instead of disconnecting it.
type Broadcaster struct {
	mu        sync.Mutex
	sinks     map[*Sink]struct{}
	evictions int

	cancel context.CancelFunc // cancels the running pump; nil if none is running
	done   chan struct{}      // closed when the running pump exits; nil if none is running
}

// New returns a Broadcaster with no source attached. Call AttachSource to
// begin pumping.
func New() *Broadcaster {
	return &Broadcaster{sinks: make(map[*Sink]struct{})}
}

// AttachSource stops whatever pump is currently running, if any, and starts
// a new one reading src. Existing sinks stay registered across the swap.
func (b *Broadcaster) AttachSource(src io.Reader) {
	b.stopPump(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()
	go b.loop(ctx, src, done)
}

// DetachSource stops the running pump, if any, without touching the sink
// set: attached clients remain registered and simply receive no further
// bytes until the next AttachSource.
func (b *Broadcaster) DetachSource() {
	b.stopPump(false)
}

// stopPump cancels and waits out the current pump. If detach is true, it
// also evicts every sink (used for final teardown).
func (b *Broadcaster) stopPump(detach bool) {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if detach {
		b.detachAll()
	}
}

func (b *Broadcaster) loop(ctx context.Context, src io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.fanOut(chunk)
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("broadcaster: upstream read error: %v", err)
			}
			// The source is gone and nothing will resume it on its own;
			// unlike a deliberate AttachSource/DetachSource swap, clients
			// have nothing left to wait for.
			b.detachAll()
			return
		}
	}
}

// fanOut writes chunk to every sink's queue without blocking. A sink whose
// queue is full is evicted, not the message.
func (b *Broadcaster) fanOut(chunk []byte) {
	b.mu.Lock()
	targets := make([]*Sink, 0, len(b.sinks))
	for s := range b.sinks {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	var dead []*Sink
	for _, s := range targets {
		select {
		case s.queue <- chunk:
		default:
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, s := range dead {
		delete(b.sinks, s)
		b.evictions++
	}
	b.mu.Unlock()
	for _, s := range dead {
		s.evict()
		log.Printf("broadcaster: evicted sink %s (queue full)", s.ID)
	}
}

// Subscribe registers a new sink and returns it.
func (b *Broadcaster) Subscribe() *Sink {
	s := newSink()
	b.mu.Lock()
	b.sinks[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a sink from the fan-out set.
func (b *Broadcaster) Unsubscribe(s *Sink) {
	b.mu.Lock()
	delete(b.sinks, s)
	b.mu.Unlock()
}

func (b *Broadcaster) detachAll() {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = make(map[*Sink]struct{})
	b.mu.Unlock()
	for s := range sinks {
		s.evict()
	}
}

// Count returns the number of currently attached sinks.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Evictions returns the cumulative number of sinks dropped for falling behind.
func (b *Broadcaster) Evictions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictions
}

// Stop ends any running pump and evicts every sink. Used for final
// teardown of the broadcaster itself, not for an ordinary layout switch
// (use DetachSource/AttachSource for that).
func (b *Broadcaster) Stop() {
	b.stopPump(true)
}
