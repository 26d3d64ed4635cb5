package aggregator

import (
	"sync"

	"github.com/labring/streamscope/pkg/protocol"
)

// outbox delivers envelopes to one panel from its own goroutine so that a
// slow panel never holds the Store lock. Live envelopes are bounded by
// limit; the replay queued at attach time is not.
type outbox struct {
	tab   int
	panel Panel
	base  int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Envelope
	limit  int
	closed bool
}

func newOutbox(tab int, p Panel, limit int, replay []protocol.Envelope, onFail func(*outbox, error)) *outbox {
	b := &outbox{
		tab:   tab,
		panel: p,
		base:  limit,
		queue: replay,
		limit: limit + len(replay),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run(onFail)
	return b
}

// push queues env, reporting false when the outbox is full or closed.
func (b *outbox) push(env protocol.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.queue) >= b.limit {
		return false
	}
	b.queue = append(b.queue, env)
	b.cond.Signal()
	return true
}

func (b *outbox) run(onFail func(*outbox, error)) {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.limit = b.base
		b.mu.Unlock()

		for _, env := range batch {
			if b.isClosed() {
				return
			}
			if err := b.panel.Send(env); err != nil {
				onFail(b, err)
				return
			}
		}
	}
}

func (b *outbox) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// close stops delivery; queued envelopes are discarded.
func (b *outbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
}
