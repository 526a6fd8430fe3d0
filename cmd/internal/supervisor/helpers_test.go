package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/events"
	"sessiond/cmd/internal/socket/sockettest"
)

type harness struct {
	sup     *Supervisor
	factory *sockettest.Factory
	store   *creds.MemoryStore
	bus     *events.Bus
	rec     *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		factory: sockettest.NewFactory(),
		store:   creds.NewMemoryStore(),
		bus:     events.NewBus(log),
	}
	h.rec = record(h.bus)
	h.sup = New(log, h.factory, h.store, h.bus, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Close(ctx)
	})
	return h
}

type recorder struct {
	ch chan events.Event
}

func record(b *events.Bus) *recorder {
	r := &recorder{ch: make(chan events.Event, 1024)}
	b.SubscribeAll(func(ev events.Event) { r.ch <- ev })
	return r
}

// expect reads the next len(kinds) events and checks their kinds in order.
func (r *recorder) expect(t *testing.T, kinds ...events.Kind) []events.Event {
	t.Helper()

	out := make([]events.Event, 0, len(kinds))
	for i, want := range kinds {
		select {
		case ev := <-r.ch:
			if ev.Kind() != want {
				t.Fatalf("event %d kind=%s want=%s (%+v)", i, ev.Kind(), want, ev)
			}
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, want)
		}
	}
	return out
}

// quiet asserts that no event arrives for a short while.
func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s (%+v)", ev.Kind(), ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}
