// Package chatlink binds chat identities to user accounts. A user asks for a
// short-lived code, sends it to the bot from their chat client, and the
// Scheduler's poll loop matches the inbound message against live sessions.
//
// The Scheduler owns the registry of active sessions and the poll loop. The
// loop runs iff the registry is non-empty. Every registry or store mutation
// and every message dispatch happens under one mutex; the provider fetch is
// the only blocking call made outside it.
package chatlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-chat-link/internal/domain"
	"github.com/go-chat-link/internal/pkg/clock"
	"github.com/go-chat-link/internal/pkg/id"
	"golang.org/x/time/rate"
)

// ErrSchedulerClosed is returned by Start after Close.
var ErrSchedulerClosed = errors.New("chat link scheduler closed")

// maxCodeAttempts bounds code regeneration on a collision.
const maxCodeAttempts = 5

// Options tunes the Scheduler. Zero fields take the defaults below.
type Options struct {
	PollInterval    time.Duration // 2s
	SessionTTL      time.Duration // 10m
	FetchTimeout    time.Duration // 30s
	DispatchTimeout time.Duration // 15s, for one inbound message
	SendTimeout     time.Duration // 10s, for one reply
	StoreTimeout    time.Duration // 5s, for timer-driven store writes

	// ReplyRate and ReplyBurst limit replies per chat identity.
	ReplyRate  rate.Limit
	ReplyBurst int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 10 * time.Minute
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 15 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.ReplyRate == 0 {
		o.ReplyRate = rate.Every(3 * time.Second)
	}
	if o.ReplyBurst <= 0 {
		o.ReplyBurst = 5
	}
	return o
}

// SchedulerDeps holds the Scheduler's collaborators. Events may be nil.
type SchedulerDeps struct {
	Gateway  Gateway
	Sessions SessionStore
	Accounts AccountStore
	Events   EventPublisher
	Clock    clock.Clock
	Options  Options
}

type entry struct {
	userID    string
	sessionID string
	code      string
	startedAt time.Time
	expiresAt time.Time
	timer     *clock.Timer
}

type retireReason int

const (
	retiredInactive retireReason = iota // replaced, cancelled or consumed
	retiredExpired
)

// tombstone remembers a retired code so a late message gets a precise reply.
type tombstone struct {
	userID string
	reason retireReason
	until  time.Time
}

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler is the session registry, lifecycle controller and poll loop.
// Create one per process with NewScheduler.
type Scheduler struct {
	gateway  Gateway
	sessions SessionStore
	accounts AccountStore
	events   EventPublisher
	clock    clock.Clock
	opts     Options
	replies  *replyLimiter
	newCode  func() (string, error)

	mu         sync.Mutex
	entries    map[string]*entry
	tombstones map[string]tombstone
	cursor     int64
	loop       *pollLoop
	lastDone   <-chan struct{} // closed when the most recent loop goroutine exits
	closed     bool
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	opts := deps.Options.withDefaults()
	return &Scheduler{
		gateway:    deps.Gateway,
		sessions:   deps.Sessions,
		accounts:   deps.Accounts,
		events:     deps.Events,
		clock:      c,
		opts:       opts,
		replies:    newReplyLimiter(opts.ReplyRate, opts.ReplyBurst, opts.SessionTTL),
		newCode:    newCode,
		entries:    make(map[string]*entry),
		tombstones: make(map[string]tombstone),
	}
}

// Start creates a fresh session for userID, replacing any previous one, and
// makes sure the poll loop is running.
func (s *Scheduler) Start(ctx context.Context, userID string, hint *string) (*domain.LinkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	now := s.clock.Now()
	sess := &domain.LinkSession{
		SessionID:            id.NewAt(now),
		UserID:               userID,
		ExternalIdentityHint: hint,
		ExpiresAt:            now.Add(s.opts.SessionTTL),
		CreatedAt:            now,
	}
	var err error
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		if sess.Code, err = s.newCode(); err != nil {
			return nil, fmt.Errorf("generate link code: %w", err)
		}
		err = s.sessions.Upsert(ctx, sess)
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		slog.Warn("link code collision, regenerating", "user_id", userID, "attempt", attempt)
	}
	if err != nil {
		return nil, fmt.Errorf("store link session: %w", err)
	}

	if prev, ok := s.entries[userID]; ok {
		prev.timer.Stop()
		delete(s.entries, userID)
		s.retireLocked(prev.code, userID, retiredInactive, now)
	}
	s.installLocked(&entry{
		userID:    userID,
		sessionID: sess.SessionID,
		code:      sess.Code,
		startedAt: now,
		expiresAt: sess.ExpiresAt,
	}, now)
	slog.Info("link session started", "user_id", userID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Stop retires userID's session and deletes its store record. The store
// delete happens even without a registry entry.
func (s *Scheduler) Stop(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx, userID, retiredInactive)
}

// Recover rehydrates the registry from the store after a restart. Expired
// records are deleted; the rest get timers for their remaining lifetime.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSchedulerClosed
	}

	records, err := s.sessions.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list link sessions: %w", err)
	}
	now := s.clock.Now()
	restored := 0
	for i := range records {
		sess := &records[i]
		if sess.Expired(now) {
			if err := s.sessions.Delete(ctx, sess); err != nil {
				slog.Error("delete expired link session failed", "user_id", sess.UserID, "error", err)
			}
			continue
		}
		if _, ok := s.entries[sess.UserID]; ok {
			continue
		}
		s.installLocked(&entry{
			userID:    sess.UserID,
			sessionID: sess.SessionID,
			code:      sess.Code,
			startedAt: sess.CreatedAt,
			expiresAt: sess.ExpiresAt,
		}, now)
		restored++
	}
	slog.Info("link sessions recovered", "restored", restored, "scanned", len(records))
	return restored, nil
}

// Close stops every timer and the poll loop and waits for the loop to exit.
// Store records are kept so Recover can pick them up on the next start.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for userID, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, userID)
	}
	s.stopLoopLocked()
	done := s.lastDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// IsRunning reports whether the poll loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

// Pending returns the number of active sessions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Lookup returns the deadline of userID's active session.
func (s *Scheduler) Lookup(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// installLocked adds e to the registry, arms its expiry timer and starts the
// loop if needed. e.expiresAt must be after now.
func (s *Scheduler) installLocked(e *entry, now time.Time) {
	delete(s.tombstones, e.code)
	e.timer = s.clock.AfterFunc(e.expiresAt.Sub(now), func() { s.expire(e) })
	s.entries[e.userID] = e
	if s.loop == nil {
		s.startLoopLocked()
	}
}

func (s *Scheduler) stopLocked(ctx context.Context, userID string, reason retireReason) error {
	if e, ok := s.entries[userID]; ok {
		e.timer.Stop()
		delete(s.entries, userID)
		s.retireLocked(e.code, userID, reason, s.clock.Now())
		if len(s.entries) == 0 {
			s.stopLoopLocked()
		}
	}
	if err := s.sessions.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("delete link session: %w", err)
	}
	return nil
}

// expire is the timer callback. A newer entry for the same user, or a
// session consumed in the meantime, makes it a no-op.
func (s *Scheduler) expire(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.userID] != e {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	if err := s.stopLocked(ctx, e.userID, retiredExpired); err != nil {
		slog.Error("expire link session failed", "user_id", e.userID, "error", err)
		return
	}
	slog.Info("link session expired", "user_id", e.userID)
}

func (s *Scheduler) retireLocked(code, userID string, reason retireReason, now time.Time) {
	for c, t := range s.tombstones {
		if !now.Before(t.until) {
			delete(s.tombstones, c)
		}
	}
	s.tombstones[code] = tombstone{userID: userID, reason: reason, until: now.Add(s.opts.SessionTTL)}
}

func (s *Scheduler) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	l := &pollLoop{cancel: cancel, done: make(chan struct{})}
	prev := s.lastDone
	s.loop = l
	s.lastDone = l.done
	ticker := s.clock.NewTicker(s.opts.PollInterval)
	go s.run(ctx, l, ticker, prev)
	slog.Debug("chat link poll loop started")
}

func (s *Scheduler) stopLoopLocked() {
	if s.loop == nil {
		return
	}
	s.loop.cancel()
	s.loop = nil
	slog.Debug("chat link poll loop stopped")
}
