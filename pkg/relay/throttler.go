// Package relay moves captured events out of the page: a Throttler bounds
// emission traffic on the page side, a Forwarder re-homes page messages to
// a tab and hands them to an Uplink towards the aggregator.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/tidwall/gjson"
)

const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultFlushBatch    = 10
	DefaultQueueLimit    = 50
	DefaultQueueKeep     = 25
)

// Poster accepts outgoing page messages. *page.Bus implements it.
type Poster interface {
	PostMessage(msg any)
}

// ThrottleOptions tunes a Throttler.
type ThrottleOptions struct {
	Clock         clock.Clock
	FlushInterval time.Duration
	FlushBatch    int
	QueueLimit    int
	QueueKeep     int
}

func (o *ThrottleOptions) withDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = DefaultFlushBatch
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = DefaultQueueLimit
	}
	if o.QueueKeep <= 0 || o.QueueKeep > o.QueueLimit {
		o.QueueKeep = DefaultQueueKeep
	}
}

// Throttler queues emission events per stream and flushes them on a single
// shared ticker. Every other event is posted immediately, after the pending
// emissions of its stream, so per-stream order is preserved.
type Throttler struct {
	out  Poster
	opts ThrottleOptions

	// sendMu serializes posting so flushes and immediate sends never
	// interleave within a stream.
	sendMu sync.Mutex

	mu     sync.Mutex
	queues map[string][]protocol.Envelope
	order  []string
	ticker clock.Ticker
	stop   chan struct{}
	closed bool
}

func NewThrottler(out Poster, opts ThrottleOptions) *Throttler {
	opts.withDefaults()
	return &Throttler{
		out:    out,
		opts:   opts,
		queues: make(map[string][]protocol.Envelope),
	}
}

// Post sends env, queueing it if it is an emission.
func (t *Throttler) Post(env protocol.Envelope) {
	id := streamIDOf(env)
	if env.Type == protocol.TypeEmission && id != "" {
		if t.enqueue(id, env) {
			return
		}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	var pending []protocol.Envelope
	if id != "" {
		t.mu.Lock()
		pending = t.take(id, -1)
		t.stopIfIdleLocked()
		t.mu.Unlock()
	}
	for _, e := range pending {
		t.out.PostMessage(e)
	}
	t.out.PostMessage(env)
}

func (t *Throttler) enqueue(id string, env protocol.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	q, ok := t.queues[id]
	if !ok {
		t.order = append(t.order, id)
	}
	q = append(q, env)
	if len(q) > t.opts.QueueLimit {
		dropped := len(q) - t.opts.QueueKeep
		q = append([]protocol.Envelope(nil), q[dropped:]...)
		metrics.ThrottleDropped.Add(float64(dropped))
		slog.Debug("emission queue overflow", slog.String("stream", id), slog.Int("dropped", dropped))
	}
	t.queues[id] = q
	t.startLocked()
	return true
}

// take removes up to n queued events of id; n < 0 takes all.
func (t *Throttler) take(id string, n int) []protocol.Envelope {
	q := t.queues[id]
	if len(q) == 0 {
		return nil
	}
	if n < 0 || n >= len(q) {
		t.removeLocked(id)
		return q
	}
	batch := append([]protocol.Envelope(nil), q[:n]...)
	t.queues[id] = q[n:]
	return batch
}

func (t *Throttler) removeLocked(id string) {
	delete(t.queues, id)
	for i, s := range t.order {
		if s == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *Throttler) startLocked() {
	if t.ticker != nil {
		return
	}
	t.ticker = t.opts.Clock.NewTicker(t.opts.FlushInterval)
	t.stop = make(chan struct{})
	go t.loop(t.ticker, t.stop)
}

func (t *Throttler) stopIfIdleLocked() {
	if t.ticker == nil || len(t.queues) > 0 {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.ticker, t.stop = nil, nil
}

func (t *Throttler) loop(tk clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			t.flush(t.opts.FlushBatch)
		}
	}
}

// flush posts up to batch queued emissions per stream; batch < 0 drains.
func (t *Throttler) flush(batch int) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	var out []protocol.Envelope
	for _, id := range append([]string(nil), t.order...) {
		out = append(out, t.take(id, batch)...)
	}
	t.stopIfIdleLocked()
	t.mu.Unlock()

	for _, e := range out {
		t.out.PostMessage(e)
	}
}

// Pending returns the number of queued emissions for a stream.
func (t *Throttler) Pending(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[id])
}

// Close drains every queue and stops throttling; later posts go out
// immediately.
func (t *Throttler) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.flush(-1)
}

func streamIDOf(env protocol.Envelope) string {
	if len(env.Data) == 0 {
		return ""
	}
	if env.Type == protocol.TypeEmission {
		return gjson.GetBytes(env.Data, "streamId").String()
	}
	return gjson.GetBytes(env.Data, "id").String()
}
