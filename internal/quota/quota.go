// Package quota enforces the per-user daily request budget.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/csiyang/ai-hero/internal/types"
)

// DefaultDailyLimit is the number of turns a non-admin user may start per
// local calendar day.
const DefaultDailyLimit = 50

// Unlimited is reported as Remaining and Limit for admins.
const Unlimited = -1

// Status is the outcome of a quota check.
type Status struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
}

// ExceededError is returned to callers that need the status alongside the
// denial.
type ExceededError struct {
	Status Status
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily request limit of %d reached", e.Status.Limit)
}

func (e *ExceededError) Unwrap() error { return types.ErrQuotaExceeded }

// Gate decides whether a user may start another turn today.
type Gate struct {
	ledger types.RequestLedger
	limit  int
	loc    *time.Location
	now    func() time.Time

	mu    sync.Mutex
	users map[types.UserID]*userLock
}

// userLock serializes admissions for one user. refs counts holders and
// waiters so the entry can be dropped when idle.
type userLock struct {
	slot chan struct{}
	refs int
}

// Option configures a Gate.
type Option func(*Gate)

// WithLimit overrides the daily limit.
func WithLimit(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.limit = n
		}
	}
}

// WithLocation sets the time zone whose midnight starts the window.
func WithLocation(loc *time.Location) Option {
	return func(g *Gate) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate backed by the given ledger.
func New(ledger types.RequestLedger, opts ...Option) *Gate {
	g := &Gate{
		ledger: ledger,
		limit:  DefaultDailyLimit,
		loc:    time.Local,
		now:    time.Now,
		users:  make(map[types.UserID]*userLock),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limit returns the configured daily limit.
func (g *Gate) Limit() int { return g.limit }

// WindowStart returns the most recent local midnight at or before t.
func (g *Gate) WindowStart(t time.Time) time.Time {
	local := t.In(g.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, g.loc)
}

// Check reports whether the user may start a turn. Admins are always
// allowed. A ledger failure denies the request and is returned as an error
// wrapping types.ErrQuotaUnavailable.
func (g *Gate) Check(ctx context.Context, user types.User) (Status, error) {
	if user.IsAdmin {
		return Status{Allowed: true, Remaining: Unlimited, Limit: Unlimited}, nil
	}

	since := g.WindowStart(g.now())
	count, err := g.ledger.CountSince(ctx, user.ID, since)
	if err != nil {
		return Status{Allowed: false, Remaining: 0, Limit: g.limit},
			fmt.Errorf("%w: %v", types.ErrQuotaUnavailable, err)
	}

	remaining := g.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Allowed:   int(count) < g.limit,
		Remaining: remaining,
		Limit:     g.limit,
	}, nil
}

// Record appends one accepted request for the user. A ledger failure wraps
// types.ErrQuotaUnavailable.
func (g *Gate) Record(ctx context.Context, user types.User) error {
	if err := g.ledger.Append(ctx, user.ID, g.now()); err != nil {
		return fmt.Errorf("%w: record request: %v", types.ErrQuotaUnavailable, err)
	}
	return nil
}

// Admit checks the quota, runs accept, and records the request, all while
// holding the user's admission lock, so concurrent turns of one user are
// counted one after another. Nothing is recorded when the user is over the
// limit or accept fails. The returned status already counts this request.
//
// Errors: *ExceededError when over the limit, types.ErrQuotaUnavailable when
// the ledger cannot be read or written, or whatever accept returned.
func (g *Gate) Admit(ctx context.Context, user types.User, accept func(ctx context.Context) error) (Status, error) {
	unlock, err := g.lock(ctx, user.ID)
	if err != nil {
		return Status{Limit: g.limit}, err
	}
	defer unlock()

	status, err := g.Check(ctx, user)
	if err != nil {
		return status, err
	}
	if !status.Allowed {
		return status, &ExceededError{Status: status}
	}
	if accept != nil {
		if err := accept(ctx); err != nil {
			return status, err
		}
	}
	if err := g.Record(ctx, user); err != nil {
		return status, err
	}
	if !user.IsAdmin {
		status.Remaining--
	}
	return status, nil
}

func (g *Gate) lock(ctx context.Context, id types.UserID) (func(), error) {
	g.mu.Lock()
	l, ok := g.users[id]
	if !ok {
		l = &userLock{slot: make(chan struct{}, 1)}
		g.users[id] = l
	}
	l.refs++
	g.mu.Unlock()

	done := func() {
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.users, id)
		}
		g.mu.Unlock()
	}

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slot
			done()
		})
	}, nil
}
