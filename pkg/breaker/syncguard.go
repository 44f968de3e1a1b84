package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is a breaker reading as seen through the Guard. Stale means the
// live read did not complete in time and the value comes from the local
// cache (or, with no cache entry, the fail-closed OPEN default).
type Snapshot struct {
	TargetID string       `json:"target_id"`
	State    CircuitState `json:"state"`
	Stale    bool         `json:"stale"`
}

// Blocked reports whether callers must treat the target as disabled.
// Unknown or unreachable state is always blocked.
func (s Snapshot) Blocked() bool { return s.State != StateClosed }

// Guard wraps a Breaker behind a bounded worker pool for callers that
// cannot block on store latency. Reads are dispatched to the pool with a
// deadline; when the deadline passes the caller gets the last cached
// snapshot marked stale, and a target never seen before reads as OPEN.
type Guard struct {
	breaker *Breaker
	timeout time.Duration
	logger  *slog.Logger

	requests chan guardRequest
	cache    sync.Map // targetID -> Snapshot

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type guardRequest struct {
	targetID string
	reply    chan Snapshot
}

// NewGuard starts a guard with the given pool size and per-read timeout.
// Close it when done.
func NewGuard(b *Breaker, workers int, timeout time.Duration, logger *slog.Logger) *Guard {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		breaker:  b,
		timeout:  timeout,
		logger:   logger.With("component", "breaker-guard"),
		requests: make(chan guardRequest, workers*2),
		done:     make(chan struct{}),
	}
	g.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go g.worker()
	}
	return g
}

func (g *Guard) worker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case req := <-g.requests:
			ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
			state, err := g.breaker.GetState(ctx, req.targetID)
			cancel()

			var snap Snapshot
			if err != nil {
				snap = Snapshot{TargetID: req.targetID, State: StateOpen, Stale: true}
			} else {
				snap = Snapshot{TargetID: req.targetID, State: state.State}
				g.cache.Store(req.targetID, snap)
			}
			// The caller may have timed out and gone away.
			select {
			case req.reply <- snap:
			default:
			}
		}
	}
}

// Check reads breaker state with a bounded wait. It never blocks longer
// than the configured timeout, and it never resolves uncertainty to
// CLOSED.
func (g *Guard) Check(targetID string) Snapshot {
	req := guardRequest{targetID: targetID, reply: make(chan Snapshot, 1)}
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case g.requests <- req:
	case <-timer.C:
		return g.stale(targetID, "queue full")
	case <-g.done:
		return g.stale(targetID, "guard closed")
	}

	select {
	case snap := <-req.reply:
		return snap
	case <-timer.C:
		return g.stale(targetID, "read timeout")
	case <-g.done:
		return g.stale(targetID, "guard closed")
	}
}

func (g *Guard) stale(targetID, why string) Snapshot {
	if cached, ok := g.cache.Load(targetID); ok {
		snap := cached.(Snapshot)
		snap.Stale = true
		g.logger.Warn("serving stale breaker state", "target_id", targetID, "reason", why)
		return snap
	}
	g.logger.Warn("breaker state unknown, failing closed", "target_id", targetID, "reason", why)
	return Snapshot{TargetID: targetID, State: StateOpen, Stale: true}
}

// Close stops the worker pool. Pending Check calls return stale defaults.
func (g *Guard) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	g.wg.Wait()
}
