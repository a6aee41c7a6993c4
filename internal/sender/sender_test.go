package sender

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/client"
	"github.com/manuelleigh/paynotify-agent/internal/database"
	"github.com/manuelleigh/paynotify-agent/internal/models"
	"github.com/manuelleigh/paynotify-agent/internal/queue"
)

type memQueue struct {
	mu     sync.Mutex
	events map[string]*models.QueuedEvent
	fail   bool
}

func newMemQueue() *memQueue {
	return &memQueue{events: map[string]*models.QueuedEvent{}}
}

func (q *memQueue) Enqueue(ctx context.Context, ev *models.QueuedEvent) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return 0, false, errors.New("disk I/O error")
	}
	if _, ok := q.events[ev.ExternalRef]; ok {
		return 0, false, nil
	}
	q.events[ev.ExternalRef] = ev
	return int64(len(q.events)), true, nil
}

func (q *memQueue) get(ref string) *models.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events[ref]
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

type fakeClient struct {
	mu       sync.Mutex
	outcome  client.Outcome
	calls    int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (c *fakeClient) Send(ctx context.Context, token string, ev models.QueuedEvent) client.Outcome {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.outcome
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

type fakeGate struct {
	invalid atomic.Bool
	sets    atomic.Int32
}

func (g *fakeGate) IsInvalid() bool { return g.invalid.Load() }

func (g *fakeGate) SetInvalid(ctx context.Context, invalid bool) {
	g.sets.Add(1)
	g.invalid.Store(invalid)
}

type countingKicker struct{ n atomic.Int32 }

func (k *countingKicker) Kick() { k.n.Add(1) }

func candidate(ref string) models.Candidate {
	return models.Candidate{
		SourceKey:   "yape",
		AppPackage:  "com.bcp.innovacxion.yapeapp",
		Title:       "Confirmación de Pago",
		Text:        "Yape! te envió un pago por S/ 12",
		ReceivedAt:  "2026-10-14T10:00:00-05:00",
		DeviceID:    "android-test",
		ExternalRef: ref,
	}
}

func TestProcessSuccessDoesNotQueue(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.Success, StatusCode: 201}}
	k := &countingKicker{}
	s := New(q, c, staticToken("tok"), &fakeGate{}, k, 4, zap.NewNop())

	if res := s.Process(context.Background(), candidate("yape-1")); res != ResultDelivered {
		t.Fatalf("Expected delivered, got %s", res)
	}
	if q.len() != 0 || k.n.Load() != 0 {
		t.Errorf("Expected nothing queued or kicked, queue=%d kicks=%d", q.len(), k.n.Load())
	}
}

func TestProcessFailureQueuesAndKicks(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.RetryableFailure, StatusCode: 502, Detail: "bad gateway"}}
	k := &countingKicker{}
	s := New(q, c, staticToken("tok"), &fakeGate{}, k, 4, zap.NewNop())

	if res := s.Process(context.Background(), candidate("yape-1")); res != ResultQueued {
		t.Fatalf("Expected queued, got %s", res)
	}
	ev := q.get("yape-1")
	if ev == nil || ev.Status != models.StatusPending || ev.LastError != "HTTP 502: bad gateway" {
		t.Fatalf("Unexpected queued event %+v", ev)
	}
	if k.n.Load() != 1 {
		t.Errorf("Expected scheduler kick, got %d", k.n.Load())
	}
}

func TestProcessUnauthorizedClosesGate(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.Unauthorized, StatusCode: 401, Detail: "expired"}}
	gate := &fakeGate{}
	k := &countingKicker{}
	s := New(q, c, staticToken("tok"), gate, k, 4, zap.NewNop())

	if res := s.Process(context.Background(), candidate("yape-1")); res != ResultAuthBlocked {
		t.Fatalf("Expected auth blocked, got %s", res)
	}
	if !gate.IsInvalid() {
		t.Error("Expected gate invalid after 401")
	}
	if ev := q.get("yape-1"); ev == nil || ev.Status != models.StatusAuthBlocked {
		t.Errorf("Expected auth blocked row, got %+v", ev)
	}
	if k.n.Load() != 0 {
		t.Error("Expected no kick for an auth-blocked event")
	}

	// gate now closed: next candidate skips the network
	if res := s.Process(context.Background(), candidate("yape-2")); res != ResultQueued {
		t.Fatalf("Expected queued, got %s", res)
	}
	if c.Calls() != 1 {
		t.Errorf("Expected a single network call, got %d", c.Calls())
	}
	if ev := q.get("yape-2"); ev == nil || ev.LastError != ReasonAuthInvalid {
		t.Errorf("Expected auth invalid reason, got %+v", ev)
	}
}

func TestProcessEmptyCredentialSkipsNetwork(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.Success}}
	k := &countingKicker{}
	s := New(q, c, staticToken(""), &fakeGate{}, k, 4, zap.NewNop())

	if res := s.Process(context.Background(), candidate("yape-abc123")); res != ResultQueued {
		t.Fatalf("Expected queued, got %s", res)
	}
	if c.Calls() != 0 {
		t.Errorf("Expected no network call, got %d", c.Calls())
	}
	if ev := q.get("yape-abc123"); ev == nil || ev.LastError != ReasonNoCredential {
		t.Errorf("Expected no credential reason, got %+v", ev)
	}
	if k.n.Load() != 1 {
		t.Errorf("Expected kick, got %d", k.n.Load())
	}
}

func TestProcessStorageFailureIsReported(t *testing.T) {
	q := newMemQueue()
	q.fail = true
	c := &fakeClient{outcome: client.Outcome{Kind: client.TransportFailure, Detail: "connection refused"}}
	s := New(q, c, staticToken("tok"), &fakeGate{}, &countingKicker{}, 4, zap.NewNop())

	if res := s.Process(context.Background(), candidate("yape-1")); res != ResultLost {
		t.Errorf("Expected lost, got %s", res)
	}
}

func TestLaneSerializesSends(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.Success}, delay: 5 * time.Millisecond}
	s := New(q, c, staticToken("tok"), &fakeGate{}, &countingKicker{}, 32, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	for i := 0; i < 10; i++ {
		s.Submit(ctx, candidate("yape-"+string(rune('a'+i))))
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Calls() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()

	if c.Calls() != 10 {
		t.Fatalf("Expected 10 sends, got %d", c.Calls())
	}
	if c.maxSeen.Load() != 1 {
		t.Errorf("Expected sends to be serialized, saw %d concurrent", c.maxSeen.Load())
	}
}

func TestSubmitFullLaneQueuesDirectly(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.Success}}
	k := &countingKicker{}
	// worker not started, so the lane fills up
	s := New(q, c, staticToken("tok"), &fakeGate{}, k, 1, zap.NewNop())

	s.Submit(context.Background(), candidate("yape-1"))
	s.Submit(context.Background(), candidate("yape-2"))

	if ev := q.get("yape-2"); ev == nil || ev.LastError != ReasonLaneFull {
		t.Errorf("Expected overflow candidate queued, got %+v", ev)
	}
	if q.get("yape-1") != nil {
		t.Error("Expected first candidate to wait in the lane")
	}
	if k.n.Load() != 1 {
		t.Errorf("Expected kick for overflow, got %d", k.n.Load())
	}
}

func TestShutdownPersistsLane(t *testing.T) {
	q := newMemQueue()
	c := &fakeClient{outcome: client.Outcome{Kind: client.Success}}
	s := New(q, c, staticToken("tok"), &fakeGate{}, &countingKicker{}, 4, zap.NewNop())

	s.Submit(context.Background(), candidate("yape-1"))
	s.Submit(context.Background(), candidate("yape-2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	s.Wait()

	// the worker may pick one item before seeing cancellation; none may vanish
	if got := q.len() + c.Calls(); got != 2 {
		t.Errorf("Expected both candidates delivered or queued, got %d", got)
	}
}

// ctxClient fails like a real HTTP client once its context is cancelled
type ctxClient struct {
	calls atomic.Int32
	block chan struct{}
}

func (c *ctxClient) Send(ctx context.Context, token string, ev models.QueuedEvent) client.Outcome {
	c.calls.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return client.Outcome{Kind: client.TransportFailure, Detail: err.Error()}
	}
	return client.Outcome{Kind: client.Success, StatusCode: 201}
}

func newSQLiteQueue(t *testing.T) *queue.EventQueue {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "sender.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return queue.NewEventQueue(db.DB, zap.NewNop())
}

func queuedCount(t *testing.T, q *queue.EventQueue) int {
	t.Helper()
	stats, err := q.Stats(context.Background(), time.Now(), 20)
	if err != nil {
		t.Fatal(err)
	}
	return stats.Pending + stats.AuthBlocked + stats.InFlight
}

func TestShutdownWithCancelledContextKeepsEveryCandidate(t *testing.T) {
	for round := 0; round < 10; round++ {
		q := newSQLiteQueue(t)
		c := &ctxClient{}
		s := New(q, c, staticToken("tok"), &fakeGate{}, &countingKicker{}, 8, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		for i := 0; i < 4; i++ {
			s.Submit(ctx, candidate(fmt.Sprintf("yape-%d-%d", round, i)))
		}
		cancel()
		s.Start(ctx)
		s.Wait()

		if got := queuedCount(t, q); got != 4 {
			t.Fatalf("round %d: expected 4 queued candidates, got %d (sends=%d)", round, got, c.calls.Load())
		}
	}
}

func TestShutdownDuringSendQueuesTheEvent(t *testing.T) {
	q := newSQLiteQueue(t)
	c := &ctxClient{block: make(chan struct{})}
	s := New(q, c, staticToken("tok"), &fakeGate{}, &countingKicker{}, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Submit(ctx, candidate("yape-inflight"))

	deadline := time.Now().Add(2 * time.Second)
	for c.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()

	if got := queuedCount(t, q); got != 1 {
		t.Fatalf("Expected the interrupted send to be queued, got %d rows", got)
	}
}

func TestSubmitAfterStopQueuesDirectly(t *testing.T) {
	q := newSQLiteQueue(t)
	c := &ctxClient{}
	s := New(q, c, staticToken("tok"), &fakeGate{}, &countingKicker{}, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Wait()

	s.Submit(ctx, candidate("yape-late"))

	if got := queuedCount(t, q); got != 1 {
		t.Fatalf("Expected late candidate queued, got %d rows", got)
	}
	if c.calls.Load() != 0 {
		t.Errorf("Expected no send after stop, got %d", c.calls.Load())
	}
}
