package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/csiyang/ai-hero/internal/types"
)

// Lanes serializes turns per chat and bounds the number of turns running at
// once. Each chat gets its own single-slot lane so that a second message to a
// chat waits for the first turn's final write, while the semaphore limits
// total parallelism across chats.
type Lanes struct {
	mu        sync.Mutex
	lanes     map[types.ChatID]*lane
	semaphore *semaphore.Weighted
	active    atomic.Int64
}

type lane struct {
	slot chan struct{}
	refs int
}

// NewLanes creates Lanes that allow up to maxConcurrent turns at once.
func NewLanes(maxConcurrent int64) *Lanes {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Lanes{
		lanes:     make(map[types.ChatID]*lane),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Acquire waits for the chat's lane and a global slot. The returned release
// func is idempotent.
func (l *Lanes) Acquire(ctx context.Context, chatID types.ChatID) (func(), error) {
	l.mu.Lock()
	ln, ok := l.lanes[chatID]
	if !ok {
		ln = &lane{slot: make(chan struct{}, 1)}
		l.lanes[chatID] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.slot <- struct{}{}:
	case <-ctx.Done():
		l.drop(chatID, ln)
		return nil, ctx.Err()
	}

	if err := l.semaphore.Acquire(ctx, 1); err != nil {
		<-ln.slot
		l.drop(chatID, ln)
		return nil, err
	}
	l.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Add(-1)
			l.semaphore.Release(1)
			<-ln.slot
			l.drop(chatID, ln)
		})
	}, nil
}

func (l *Lanes) drop(chatID types.ChatID, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, chatID)
	}
}

// Active returns the number of turns currently holding a slot.
func (l *Lanes) Active() int64 {
	return l.active.Load()
}

// WaitIdle blocks until no turns are running, or the timeout expires.
// Returns true if idle, false if timed out.
func (l *Lanes) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *Lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
