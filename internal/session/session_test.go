package session

import (
	"context"
	"testing"
	"time"

	"github.com/localtuner/multiviewer/internal/catalog"
	"github.com/localtuner/multiviewer/internal/encoder"
	"github.com/localtuner/multiviewer/internal/layout"
)

func fakeSpawn(t *testing.T) {
	t.Helper()
	orig := spawnFunc
	spawnFunc = func(ctx context.Context, path string, args []string) (*encoder.Handle, error) {
		return encoder.Spawn(ctx, "/bin/sh", []string{"-c", "while true; do echo x; sleep 0.05; done"})
	}
	t.Cleanup(func() { spawnFunc = orig })
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New()
	err := c.Replace(context.Background(), []catalog.Channel{
		{ID: "a", Name: "A", StreamURL: "http://example.com/a"},
		{ID: "b", Name: "B", StreamURL: "http://example.com/b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSession_ApplyLayoutGoesLive(t *testing.T) {
	fakeSpawn(t)
	s := New(Deps{Catalog: testCatalog(t), IdleTimeout: time.Second})
	cfg := layout.Config{Kind: layout.KindPiP, Slots: map[int]string{0: "a", 1: "b"}}
	if err := s.ApplyLayout(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyLayout: %v", err)
	}
	st := s.Status()
	if st.Mode != "live" {
		t.Fatalf("Status.Mode = %q, want live", st.Mode)
	}
	s.Stop(context.Background())
}

func TestSession_ApplyLayoutRejectsInvalid(t *testing.T) {
	fakeSpawn(t)
	s := New(Deps{Catalog: testCatalog(t)})
	cfg := layout.Config{Kind: layout.KindPiP, Slots: map[int]string{0: "a", 1: "missing"}}
	if err := s.ApplyLayout(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error for unknown channel")
	}
	if s.Status().Mode != "idle" {
		t.Fatal("session should remain idle after a rejected layout")
	}
}

func TestSession_StopWithoutLayout(t *testing.T) {
	s := New(Deps{Catalog: testCatalog(t)})
	if err := s.Stop(context.Background()); err != ErrNoActiveLayout {
		t.Fatalf("Stop on idle session: got %v, want ErrNoActiveLayout", err)
	}
}

func TestSession_AttachClientColdStart(t *testing.T) {
	fakeSpawn(t)
	coldStartWarmup = 10 * time.Millisecond
	defer func() { coldStartWarmup = 5 * time.Second }()

	s := New(Deps{Catalog: testCatalog(t)})
	cfg := layout.Config{Kind: layout.KindPiP, Slots: map[int]string{0: "a", 1: "b"}}
	if err := s.ApplyLayout(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyLayout: %v", err)
	}
	s.Stop(context.Background())
	if s.Status().Mode != "idle" {
		t.Fatal("expected idle after Stop")
	}

	sink, err := s.AttachClient(context.Background())
	if err != nil {
		t.Fatalf("AttachClient cold start: %v", err)
	}
	if s.Status().Mode != "live" {
		t.Fatal("expected live after cold start")
	}
	s.DetachClient(sink)
}

func TestSession_AttachClientNoLastLayout(t *testing.T) {
	s := New(Deps{Catalog: testCatalog(t)})
	if _, err := s.AttachClient(context.Background()); err != ErrNoActiveLayout {
		t.Fatalf("AttachClient with no history: got %v, want ErrNoActiveLayout", err)
	}
}

func TestSession_SetVolume(t *testing.T) {
	fakeSpawn(t)
	s := New(Deps{Catalog: testCatalog(t)})
	cfg := layout.Config{Kind: layout.KindPiP, Slots: map[int]string{0: "a", 1: "b"}}
	if err := s.ApplyLayout(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyLayout: %v", err)
	}
	if err := s.SetVolume(context.Background(), 1, 0.75); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	vols := s.Volumes()
	if vols[1] != 0.75 {
		t.Errorf("Volumes()[1] = %v, want 0.75", vols[1])
	}
	s.Stop(context.Background())
}

func TestSession_IdleWatchdogStopsWithNoClients(t *testing.T) {
	fakeSpawn(t)
	s := New(Deps{Catalog: testCatalog(t), IdleTimeout: 50 * time.Millisecond})
	cfg := layout.Config{Kind: layout.KindPiP, Slots: map[int]string{0: "a", 1: "b"}}
	if err := s.ApplyLayout(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyLayout: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunIdleWatchdog(ctx)

	// The watchdog ticks every 5s: the first tick stamps the start of the
	// idle period, the second (about 10s in) stops the session.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().Mode == "idle" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected idle watchdog to stop the session")
}
