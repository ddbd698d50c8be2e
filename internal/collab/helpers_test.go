package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

// recorded is one captured broadcast.
type recorded struct {
	room string
	msg  Message
}

// recordingBroadcaster captures broadcasts in call order.
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []recorded
}

func (r *recordingBroadcaster) Broadcast(room string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recorded{room: room, msg: msg})
}

func (r *recordingBroadcaster) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recordingBroadcaster) types() []string {
	msgs := r.all()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.msg.Type
	}
	return out
}

func (r *recordingBroadcaster) last() recorded {
	msgs := r.all()
	if len(msgs) == 0 {
		return recorded{}
	}
	return msgs[len(msgs)-1]
}

func (r *recordingBroadcaster) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// gatedBroadcaster parks its first Broadcast call until release is closed,
// and only then records it.
type gatedBroadcaster struct {
	recordingBroadcaster
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedBroadcaster() *gatedBroadcaster {
	return &gatedBroadcaster{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedBroadcaster) Broadcast(room string, msg Message) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	g.recordingBroadcaster.Broadcast(room, msg)
}

// raceThroughGate runs first until its broadcast is parked, then starts
// second and checks that second cannot finish while first's broadcast is
// still pending.
func raceThroughGate(t *testing.T, g *gatedBroadcaster, first, second func()) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first()
	}()
	<-g.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		second()
	}()
	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "second mutation overtook a pending broadcast")

	close(g.release)
	wg.Wait()
	<-done
}

// manualClock is a Clock that only moves when Advance is called.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

type manualTicker struct {
	clock   *manualClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward, firing due waiters and tickers.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			pending = append(pending, w)
		}
	}
	c.waiters = pending

	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(c.now) {
			select {
			case t.ch <- c.now:
			default: // drop ticks for slow receivers, like time.Ticker
			}
			t.next = t.next.Add(t.period)
		}
	}
}

func (t *manualTicker) Chan() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

// fakeSender records room membership changes.
type fakeSender struct {
	id    string
	mu    sync.Mutex
	rooms map[string]bool
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id, rooms: make(map[string]bool)}
}

func (s *fakeSender) ID() string { return s.id }

func (s *fakeSender) Subscribe(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = true
}

func (s *fakeSender) Unsubscribe(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *fakeSender) subscribed(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room]
}

// failingStorage wraps a Storage and fails chosen operations.
type failingStorage struct {
	storage.Storage
	getErr    error
	updateErr error
	saveErr   error
}

func (f *failingStorage) GetCharacter(ctx context.Context, projectID, characterID string) (*storage.Character, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Storage.GetCharacter(ctx, projectID, characterID)
}

func (f *failingStorage) UpdateCharacter(ctx context.Context, c *storage.Character) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Storage.UpdateCharacter(ctx, c)
}

func (f *failingStorage) UpdateProject(ctx context.Context, p *storage.Project) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Storage.UpdateProject(ctx, p)
}

func (f *failingStorage) SaveWorldElement(ctx context.Context, e *storage.WorldElement) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Storage.SaveWorldElement(ctx, e)
}

var errDBDown = errors.New("DB down")

// fixture bundles a Handlers wired to test doubles.
type fixture struct {
	handlers *Handlers
	rec      *recordingBroadcaster
	clock    *manualClock
	storage  *storage.MemoryStore
}

func newFixture(t *testing.T, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()
	rec := &recordingBroadcaster{}
	clock := newManualClock()
	mem := storage.NewMemoryStore()

	cfg := DefaultConfig()
	cfg.GenerationStageDelay = 0
	deps := Deps{
		Broadcaster: rec,
		Storage:     mem,
		Clock:       clock,
		Logger:      logging.NewNoOpLogger(),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	h := NewHandlers(cfg, deps)
	t.Cleanup(h.Close)
	return &fixture{handlers: h, rec: rec, clock: clock, storage: mem}
}

func seedCharacter(t *testing.T, mem *storage.MemoryStore, projectID, characterID string, fields map[string]any) {
	t.Helper()
	if err := mem.UpdateCharacter(context.Background(), &storage.Character{
		ID: characterID, ProjectID: projectID, Fields: fields,
	}); err != nil {
		t.Fatalf("seed character: %v", err)
	}
}
