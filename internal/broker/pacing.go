package broker

import (
	"context"
	"sync"
	"time"
)

// pacer caps calls to limit per rolling window. Wait blocks until a slot is
// free or the context is done.
type pacer struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func newPacer(limit int, window time.Duration) *pacer {
	return &pacer{limit: limit, window: window, now: time.Now}
}

func (p *pacer) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := p.now()
		cutoff := now.Add(-p.window)
		live := p.stamps[:0]
		for _, t := range p.stamps {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		p.stamps = live
		if len(p.stamps) < p.limit {
			p.stamps = append(p.stamps, now)
			p.mu.Unlock()
			return nil
		}
		wait := p.stamps[0].Sub(cutoff)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
