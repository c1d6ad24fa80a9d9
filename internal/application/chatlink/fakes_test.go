package chatlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-chat-link/internal/domain"
	"github.com/go-chat-link/internal/pkg/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- in-memory collaborators ---

type memSessions struct {
	mu         sync.Mutex
	byCode     map[string]domain.LinkSession
	upsertErrs []error
	findErr    error
	findDelay  time.Duration // per FindByCode call; cut short by ctx
	deleted    []string      // session IDs removed through Delete
}

func newMemSessions() *memSessions {
	return &memSessions{byCode: map[string]domain.LinkSession{}}
}

func (m *memSessions) Upsert(_ context.Context, s *domain.LinkSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		return err
	}
	if cur, ok := m.byCode[s.Code]; ok && cur.UserID != s.UserID {
		return domain.ErrConflict
	}
	for code, cur := range m.byCode {
		if cur.UserID == s.UserID {
			delete(m.byCode, code)
		}
	}
	m.byCode[s.Code] = *s
	return nil
}

func (m *memSessions) FindByCode(ctx context.Context, code string) (*domain.LinkSession, error) {
	m.mu.Lock()
	delay, findErr := m.findDelay, m.findErr
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if findErr != nil {
		return nil, findErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byCode[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *memSessions) DeleteByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, cur := range m.byCode {
		if cur.UserID == userID {
			delete(m.byCode, code)
		}
	}
	return nil
}

func (m *memSessions) Delete(_ context.Context, s *domain.LinkSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byCode[s.Code]; ok && cur.SessionID == s.SessionID {
		delete(m.byCode, s.Code)
		m.deleted = append(m.deleted, s.SessionID)
	}
	return nil
}

func (m *memSessions) ListAll(_ context.Context) ([]domain.LinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LinkSession, 0, len(m.byCode))
	for _, s := range m.byCode {
		out = append(out, s)
	}
	return out, nil
}

func (m *memSessions) put(s domain.LinkSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCode[s.Code] = s
}

func (m *memSessions) forUser(userID string) (domain.LinkSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byCode {
		if s.UserID == userID {
			return s, true
		}
	}
	return domain.LinkSession{}, false
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCode)
}

type memAccounts struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	findErr error
	sets    int
}

func newMemAccounts(userIDs ...string) *memAccounts {
	m := &memAccounts{users: map[string]*domain.User{}}
	for _, id := range userIDs {
		m.users[id] = &domain.User{UserID: id, Username: id}
	}
	return m
}

func (m *memAccounts) Get(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memAccounts) FindByExternalIdentity(_ context.Context, identity string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.ExternalIdentity != nil && *u.ExternalIdentity == identity {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memAccounts) SetExternalIdentity(_ context.Context, userID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, other := range m.users {
		if other.UserID != userID && other.ExternalIdentity != nil && *other.ExternalIdentity == identity {
			return domain.ErrConflict
		}
	}
	u.ExternalIdentity = &identity
	m.sets++
	return nil
}

func (m *memAccounts) ClearExternalIdentity(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.ExternalIdentity = nil
	return nil
}

func (m *memAccounts) identity(userID string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id := m.users[userID].ExternalIdentity; id != nil {
		v := *id
		return &v
	}
	return nil
}

func (m *memAccounts) link(userID, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID].ExternalIdentity = &identity
}

// fakeGateway serves pushed messages the way the provider does: every
// message above the requested offset, until the cursor moves past it.
type fakeGateway struct {
	mu        sync.Mutex
	inbox     []domain.InboundMessage
	sent      []reply
	sinces    []int64
	fetchErrs []error

	// When block is set FetchUpdates signals started and waits for ctx.
	block     bool
	started   chan struct{}
	cancelled int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{started: make(chan struct{}, 1)}
}

func (g *fakeGateway) push(offset int64, identity, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbox = append(g.inbox, domain.InboundMessage{Offset: offset, SenderIdentity: identity, Text: text})
}

func (g *fakeGateway) FetchUpdates(ctx context.Context, since int64) ([]domain.InboundMessage, error) {
	g.mu.Lock()
	g.sinces = append(g.sinces, since)
	if len(g.fetchErrs) > 0 {
		err := g.fetchErrs[0]
		g.fetchErrs = g.fetchErrs[1:]
		g.mu.Unlock()
		return nil, err
	}
	var out []domain.InboundMessage
	for _, m := range g.inbox {
		if m.Offset > since {
			out = append(out, m)
		}
	}
	block := g.block
	g.mu.Unlock()

	if block {
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		g.mu.Lock()
		g.cancelled++
		g.mu.Unlock()
		// Pretend the response raced the cancellation.
		return out, nil
	}
	return out, nil
}

func (g *fakeGateway) SendMessage(_ context.Context, identity, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, reply{identity: identity, text: text})
	return nil
}

func (g *fakeGateway) replies() []reply {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]reply(nil), g.sent...)
}

func (g *fakeGateway) fetches() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.sinces...)
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.LinkEvent
}

func (m *memEvents) Publish(_ context.Context, evt domain.LinkEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memEvents) published() []domain.LinkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LinkEvent(nil), m.events...)
}

// --- harness ---

const testPollInterval = 2 * time.Second

type harness struct {
	clk      *clock.FakeClock
	sessions *memSessions
	accounts *memAccounts
	gw       *fakeGateway
	events   *memEvents
	sched    *Scheduler
}

func newHarness(t *testing.T, userIDs ...string) *harness {
	t.Helper()
	h := &harness{
		clk:      clock.Fake(t0),
		sessions: newMemSessions(),
		accounts: newMemAccounts(userIDs...),
		gw:       newFakeGateway(),
		events:   &memEvents{},
	}
	h.sched = NewScheduler(SchedulerDeps{
		Gateway:  h.gw,
		Sessions: h.sessions,
		Accounts: h.accounts,
		Events:   h.events,
		Clock:    h.clk,
		Options: Options{
			PollInterval: testPollInterval,
			SessionTTL:   10 * time.Minute,
			ReplyRate:    rate.Inf,
		},
	})
	t.Cleanup(h.sched.Close)
	return h
}

// codes makes the scheduler hand out the given codes in order.
func (h *harness) codes(codes ...string) {
	var mu sync.Mutex
	h.sched.newCode = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return newCode()
		}
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
}

// pollUntil keeps ticking the poll loop until cond holds.
func (h *harness) pollUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.clk.Advance(testPollInterval)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) sentCount(n int) func() bool {
	return func() bool { return len(h.gw.replies()) >= n }
}

func (h *harness) assertLoopInvariant(t *testing.T) {
	t.Helper()
	require.Equal(t, h.sched.Pending() > 0, h.sched.IsRunning(), "loop must run iff sessions are pending")
}

func (h *harness) cursor() int64 {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.sched.cursor
}

func strPtr(s string) *string { return &s }
