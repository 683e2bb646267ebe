// Package fanout delivers catalog snapshots and delta streams to
// subscribed sessions. Deltas are buffered per flush tick, coalesced
// per record id, and dropped wholesale for any session whose outbound
// buffer overflows; such sessions get a fresh snapshot on drain instead
// of blocking the rest.
package fanout

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stagecraft.dev/internal/protocol"
)

// SnapshotFunc supplies the current full catalog state.
type SnapshotFunc func() protocol.SnapshotMsg

type Session struct {
	ID        string
	NetworkID string
	Subs      protocol.Subscriptions
	Out       chan []byte

	// dropped marks a session whose delta stream overflowed; it is
	// re-snapshotted once Out drains.
	dropped bool
}

type Fanout struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// bufMu guards only the flush buffer. Publish runs inside the
	// catalog commit while the catalog lock is held; Register and Flush
	// take catalog snapshots under mu, so the commit path must never
	// touch mu.
	bufMu  sync.Mutex
	buffer []protocol.DeltaFrame

	snapshot SnapshotFunc
	interval time.Duration
	logger   *log.Logger

	droppedTotal atomic.Uint64
}

func New(snapshot SnapshotFunc, interval time.Duration, logger *log.Logger) *Fanout {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Fanout{
		sessions: map[string]*Session{},
		snapshot: snapshot,
		interval: interval,
		logger:   logger,
	}
}

// Register adds a session and, when subscribed, queues its initial
// snapshot before any delta can reach it.
func (f *Fanout) Register(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	if s.Subs.Snapshot {
		f.sendSnapshotLocked(s)
	}
}

func (f *Fanout) Unregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

// SessionCount reports registered sessions for metrics.
func (f *Fanout) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *Fanout) DroppedTotal() uint64 { return f.droppedTotal.Load() }

// Publish appends commit frames to the flush buffer. Called by the
// catalog sink in commit-serialization order.
func (f *Fanout) Publish(frames []protocol.DeltaFrame) {
	f.bufMu.Lock()
	f.buffer = append(f.buffer, frames...)
	f.bufMu.Unlock()
}

// PublishPlayer sends a roster delta to sessions subscribed to players.
func (f *Fanout) PublishPlayer(d protocol.PlayerDelta) {
	b, err := protocol.Encode(protocol.MethodPlayerDelta, d)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if !s.Subs.Players || s.dropped {
			continue
		}
		f.offerLocked(s, b)
	}
}

// Run flushes on the configured interval until ctx is done.
func (f *Fanout) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Flush()
		}
	}
}

// Flush coalesces the buffered frames and delivers them. Exported so
// tests can drive delivery deterministically.
func (f *Fanout) Flush() {
	f.bufMu.Lock()
	pending := f.buffer
	f.buffer = nil
	f.bufMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Resnapshot any drained dropped session before new deltas flow.
	// Dropped sessions lost an unknown span of the stream, so they are
	// resynced with a snapshot whether or not they subscribed to one.
	for _, s := range f.sessions {
		if s.dropped && len(s.Out) == 0 {
			s.dropped = false
			f.sendSnapshotLocked(s)
		}
	}

	if len(pending) == 0 {
		return
	}
	frames := coalesce(pending)

	encoded := make([][]byte, 0, len(frames))
	for _, fr := range frames {
		b, err := protocol.Encode(fr.Method, fr)
		if err != nil {
			continue
		}
		encoded = append(encoded, b)
	}

	for _, s := range f.sessions {
		if s.dropped {
			continue
		}
		for i, fr := range frames {
			if fr.NetworkID != "" && fr.NetworkID == s.NetworkID {
				continue // echo suppression
			}
			if fr.Runtime && !s.Subs.Runtime {
				continue
			}
			if !f.offerLocked(s, encoded[i]) {
				break
			}
		}
	}
}

// offerLocked attempts a non-blocking send. On overflow the session's
// stream is abandoned until it drains; false tells the caller to stop
// sending this flush.
func (f *Fanout) offerLocked(s *Session, b []byte) bool {
	select {
	case s.Out <- b:
		return true
	default:
		s.dropped = true
		f.droppedTotal.Add(1)
		if f.logger != nil {
			f.logger.Printf("fanout: session %s overflowed, forcing re-snapshot", s.ID)
		}
		return false
	}
}

func (f *Fanout) sendSnapshotLocked(s *Session) {
	if f.snapshot == nil {
		return
	}
	b, err := protocol.Encode(protocol.MethodSnapshot, f.snapshot())
	if err != nil {
		return
	}
	select {
	case s.Out <- b:
	default:
		// Snapshot does not fit either; leave dropped set and retry on
		// the next flush.
		s.dropped = true
	}
}

// coalesce collapses repeated frames for one record into the final
// state while preserving first-appearance order across records, so
// per-record version sequences stay strictly increasing.
func coalesce(frames []protocol.DeltaFrame) []protocol.DeltaFrame {
	latest := map[string]int{}
	order := map[string]int{}
	next := 0
	for i, fr := range frames {
		id := fr.RecordID()
		if id == "" {
			key := fmt.Sprintf("#%d", i)
			latest[key] = i
			order[key] = next
			next++
			continue
		}
		if _, seen := order[id]; !seen {
			order[id] = next
			next++
		}
		latest[id] = i
	}
	out := make([]protocol.DeltaFrame, 0, len(latest))
	type slot struct {
		pos   int
		frame protocol.DeltaFrame
	}
	slots := make([]slot, 0, len(latest))
	for id, idx := range latest {
		slots = append(slots, slot{pos: order[id], frame: frames[idx]})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].pos < slots[j].pos })
	for _, s := range slots {
		out = append(out, s.frame)
	}
	return out
}
