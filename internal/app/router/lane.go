package router

import (
	"context"
	"time"

	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
)

type work struct {
	delivery eventbus.Delivery
	attempt  int
}

// parking holds a deferred message and everything that arrived after it for
// the same order.
type parking struct {
	head    *work
	waiting []*work
}

// lane processes the orders hashed to it one message at a time. Only the
// lane goroutine touches parked and held.
type lane struct {
	r      *Router
	input  chan *work
	wake   chan string
	done   chan struct{}
	parked map[string]*parking
	held   int
}

func newLane(r *Router) *lane {
	return &lane{
		r:      r,
		input:  make(chan *work),
		wake:   make(chan string, wakeBuffer),
		done:   make(chan struct{}),
		parked: make(map[string]*parking),
	}
}

func (l *lane) run(ctx context.Context) {
	defer close(l.done)
	for {
		in := l.input
		if l.held >= l.r.cfg.ParkCapacity {
			in = nil
		}
		select {
		case <-ctx.Done():
			return
		case w, ok := <-in:
			if !ok {
				return
			}
			l.accept(ctx, w)
		case key := <-l.wake:
			l.resume(ctx, key)
		}
	}
}

func (l *lane) accept(ctx context.Context, w *work) {
	key := w.delivery.Key
	if p, ok := l.parked[key]; ok {
		p.waiting = append(p.waiting, w)
		l.held++
		return
	}
	l.drain(ctx, key, w, nil)
}

func (l *lane) resume(ctx context.Context, key string) {
	p, ok := l.parked[key]
	if !ok {
		return
	}
	delete(l.parked, key)
	l.held -= 1 + len(p.waiting)
	l.drain(ctx, key, p.head, p.waiting)
}

// drain processes w and then the messages queued behind it, stopping at the
// first one that has to wait again.
func (l *lane) drain(ctx context.Context, key string, w *work, waiting []*work) {
	for {
		if ctx.Err() != nil {
			return
		}
		if l.r.process(ctx, w) {
			w.attempt++
			l.park(ctx, key, w, waiting)
			return
		}
		if len(waiting) == 0 {
			return
		}
		w, waiting = waiting[0], waiting[1:]
	}
}

func (l *lane) park(ctx context.Context, key string, w *work, waiting []*work) {
	l.parked[key] = &parking{head: w, waiting: waiting}
	l.held += 1 + len(waiting)
	delay := l.r.cfg.Redelivery.NextDelay(w.attempt - 1)
	time.AfterFunc(delay, func() {
		select {
		case l.wake <- key:
		case <-l.done:
		case <-ctx.Done():
		}
	})
}
