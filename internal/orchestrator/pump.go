package orchestrator

import (
	"context"
	"sync"

	"familyhub/internal/models"
)

// pump decouples the session worker from the caller. The producer never
// blocks: events queue in a backlog capped at backlogCap, oldest dropped.
// Delivery stops once the caller's context is done.
type pump struct {
	mu      sync.Mutex
	backlog []models.Event
	cap     int
	closed  bool
	dropped int

	notify chan struct{}
	out    chan models.Event
}

func newPump(ctx context.Context, backlogCap int) *pump {
	if backlogCap <= 0 {
		backlogCap = 256
	}
	p := &pump{
		cap:    backlogCap,
		notify: make(chan struct{}, 1),
		out:    make(chan models.Event),
	}
	go p.run(ctx)
	return p
}

func (p *pump) push(ev models.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.backlog = append(p.backlog, ev)
	if len(p.backlog) > p.cap {
		p.backlog = p.backlog[1:]
		p.dropped++
	}
	p.mu.Unlock()
	p.signal()
}

func (p *pump) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

func (p *pump) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pump) run(ctx context.Context) {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.backlog) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-p.notify:
			case <-ctx.Done():
				p.abandon()
				return
			}
			continue
		}
		ev := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.mu.Unlock()

		select {
		case p.out <- ev:
		case <-ctx.Done():
			p.abandon()
			return
		}
	}
}

// abandon drops the backlog once nobody is listening
func (p *pump) abandon() {
	p.mu.Lock()
	p.closed = true
	p.backlog = nil
	p.mu.Unlock()
}
