package chatlink

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/go-chat-link/internal/domain"
	"github.com/go-chat-link/internal/pkg/clock"
)

type reply struct {
	identity string
	text     string
}

// run is the poll loop goroutine. Cycles never overlap: ticks that arrive
// while a cycle is in flight are coalesced by the ticker.
func (s *Scheduler) run(ctx context.Context, l *pollLoop, ticker *clock.Ticker, prev <-chan struct{}) {
	defer close(l.done)
	defer ticker.Stop()

	// A cancelled previous loop may still be finishing its last cycle.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("chat link poll cycle panicked", "panic", r)
		}
	}()

	s.mu.Lock()
	since := s.cursor
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	updates, err := s.gateway.FetchUpdates(fetchCtx, since)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("fetch chat updates failed", "since", since, "error", err)
		}
		return
	}
	if len(updates) == 0 {
		return
	}

	replies, events := s.handleBatch(ctx, updates)
	s.deliver(ctx, replies, events)
}

// handleBatch dispatches updates in offset order and advances the cursor.
// A batch fetched by a loop that has since been stopped is dropped whole.
func (s *Scheduler) handleBatch(ctx context.Context, updates []domain.InboundMessage) ([]reply, []domain.LinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		slog.Debug("discarding chat updates from stopped poll loop", "count", len(updates))
		return nil, nil
	}

	slices.SortStableFunc(updates, func(a, b domain.InboundMessage) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	// Dispatch may stop this very loop when it consumes the last session,
	// so it must not inherit the loop's cancellation.
	base := context.WithoutCancel(ctx)

	var (
		replies []reply
		events  []domain.LinkEvent
		last    = s.cursor
	)
	for _, msg := range updates {
		if msg.Offset <= last {
			continue
		}
		last = msg.Offset
		dctx, cancel := context.WithTimeout(base, s.opts.DispatchTimeout)
		text, evt := s.dispatchLocked(dctx, msg)
		cancel()
		if text != "" {
			replies = append(replies, reply{identity: msg.SenderIdentity, text: text})
		}
		if evt != nil {
			events = append(events, *evt)
		}
	}
	s.cursor = last
	return replies, events
}

// deliver sends replies and publishes events outside the lock.
func (s *Scheduler) deliver(ctx context.Context, replies []reply, events []domain.LinkEvent) {
	base := context.WithoutCancel(ctx)
	for _, r := range replies {
		if !s.replies.allow(r.identity, s.clock.Now()) {
			slog.Warn("chat reply rate limited", "identity", r.identity)
			continue
		}
		sendCtx, cancel := context.WithTimeout(base, s.opts.SendTimeout)
		if err := s.gateway.SendMessage(sendCtx, r.identity, r.text); err != nil {
			slog.Warn("send chat reply failed", "identity", r.identity, "error", err)
		}
		cancel()
	}
	if s.events == nil {
		return
	}
	for _, evt := range events {
		pubCtx, cancel := context.WithTimeout(base, s.opts.SendTimeout)
		if err := s.events.Publish(pubCtx, evt); err != nil {
			slog.Error("publish link event failed", "type", evt.Type, "user_id", evt.UserID, "error", err)
		}
		cancel()
	}
}
