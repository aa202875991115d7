package processor

import (
	"context"

	"go.uber.org/zap"
)

// The badge counter mirrors the number of delivered-but-unhandled
// notifications. It never goes negative: a decrement at zero stays at
// zero, so an out-of-order response cannot wedge a stale badge.

// BadgeCount returns the current badge value.
func (p *Processor) BadgeCount() int {
	p.badgeMu.Lock()
	defer p.badgeMu.Unlock()
	return p.badgeCount
}

// OnBadgeChange registers an observer and returns a disposer that removes
// it. Observers are called synchronously with the new count.
func (p *Processor) OnBadgeChange(fn func(int)) (dispose func()) {
	p.badgeMu.Lock()
	id := p.badgeNext
	p.badgeNext++
	p.badgeSubs[id] = fn
	p.badgeMu.Unlock()

	return func() {
		p.badgeMu.Lock()
		delete(p.badgeSubs, id)
		p.badgeMu.Unlock()
	}
}

// ClearBadge zeroes the counter and tells the agent to clear the OS badge.
func (p *Processor) ClearBadge(ctx context.Context) error {
	p.setBadge(ctx, 0)
	return p.br.ClearBadge(ctx)
}

func (p *Processor) incrementBadge(ctx context.Context) {
	p.changeBadge(ctx, 1)
}

func (p *Processor) decrementBadge(ctx context.Context) {
	p.changeBadge(ctx, -1)
}

// changeBadge applies a clamped delta. Read, clamp and store happen in one
// critical section: the delivery loop, the action consumer and the HTTP
// badge-clear all write concurrently, and a read-then-store split would let
// two writers base their result on the same stale count.
func (p *Processor) changeBadge(ctx context.Context, delta int) {
	p.badgeMu.Lock()
	count := p.badgeCount + delta
	if count < 0 {
		count = 0
	}
	p.badgeCount = count
	subs := p.snapshotSubsLocked()
	p.badgeMu.Unlock()

	p.notifyBadge(ctx, count, subs)
}

func (p *Processor) setBadge(ctx context.Context, count int) {
	if count < 0 {
		count = 0
	}

	p.badgeMu.Lock()
	p.badgeCount = count
	subs := p.snapshotSubsLocked()
	p.badgeMu.Unlock()

	p.notifyBadge(ctx, count, subs)
}

func (p *Processor) snapshotSubsLocked() []func(int) {
	subs := make([]func(int), 0, len(p.badgeSubs))
	for _, fn := range p.badgeSubs {
		subs = append(subs, fn)
	}
	return subs
}

// notifyBadge runs outside the lock so a slow observer or agent push cannot
// block other badge writers.
func (p *Processor) notifyBadge(ctx context.Context, count int, subs []func(int)) {
	for _, fn := range subs {
		fn(count)
	}
	p.hooks.OnBadge(count)

	if err := p.br.SetBadge(ctx, count); err != nil {
		p.logger.Debug("badge push failed", zap.Int("count", count), zap.Error(err))
	}
}
