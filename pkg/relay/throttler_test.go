package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type collector struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *collector) PostMessage(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, msg.(protocol.Envelope))
}

func (c *collector) all() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.envs...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func emission(t *testing.T, id string, v int) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeEmission, protocol.SourceInjected,
		protocol.Emission{StreamID: id, Kind: protocol.KindNext, Value: v})
	require.NoError(t, err)
	return env
}

func complete(t *testing.T, id string) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeStreamComplete, protocol.SourceInjected, protocol.StreamComplete{ID: id})
	require.NoError(t, err)
	return env
}

func values(envs []protocol.Envelope) []int64 {
	out := make([]int64, 0, len(envs))
	for _, e := range envs {
		if e.Type == protocol.TypeEmission {
			out = append(out, gjson.GetBytes(e.Data, "value").Int())
		}
	}
	return out
}

func newTestThrottler() (*Throttler, *collector, *clock.Fake) {
	fake := clock.NewFake(time.Unix(0, 0))
	out := &collector{}
	return NewThrottler(out, ThrottleOptions{Clock: fake}), out, fake
}

func TestThrottler_FlushesAtMostBatchPerTick(t *testing.T) {
	th, out, fake := newTestThrottler()
	for i := 1; i <= 15; i++ {
		th.Post(emission(t, "s1", i))
	}
	assert.Zero(t, out.len(), "emissions wait for the flush tick")
	assert.Equal(t, 15, th.Pending("s1"))
	assert.Equal(t, 1, fake.Tickers())

	fake.Advance(DefaultFlushInterval)
	assert.Eventually(t, func() bool { return out.len() == 10 }, time.Second, time.Millisecond)

	fake.Advance(DefaultFlushInterval)
	assert.Eventually(t, func() bool { return out.len() == 15 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, values(out.all()))
	assert.Eventually(t, func() bool { return fake.Tickers() == 0 }, time.Second, time.Millisecond,
		"the ticker stops once every queue is empty")
}

func TestThrottler_OverflowKeepsNewest(t *testing.T) {
	th, out, _ := newTestThrottler()
	for i := 1; i <= 60; i++ {
		th.Post(emission(t, "s1", i))
	}
	assert.Equal(t, 34, th.Pending("s1"))

	th.Close()
	got := values(out.all())
	require.Len(t, got, 34)
	assert.Equal(t, int64(27), got[0])
	assert.Equal(t, int64(60), got[len(got)-1])
}

func TestThrottler_LifecycleFlushesStreamFirst(t *testing.T) {
	th, out, _ := newTestThrottler()
	th.Post(emission(t, "s1", 1))
	th.Post(emission(t, "s2", 100))
	th.Post(emission(t, "s1", 2))
	th.Post(complete(t, "s1"))

	envs := out.all()
	require.Len(t, envs, 3)
	assert.Equal(t, []int64{1, 2}, values(envs))
	assert.Equal(t, protocol.TypeStreamComplete, envs[2].Type)
	assert.Equal(t, 1, th.Pending("s2"), "other streams keep their queue")
	assert.Zero(t, th.Pending("s1"))
}

func TestThrottler_NonEmissionsAreImmediate(t *testing.T) {
	th, out, fake := newTestThrottler()
	env, err := protocol.New(protocol.TypeDevtoolsReady, protocol.SourceHook, protocol.DevtoolsReady{Version: "1.0.0"})
	require.NoError(t, err)
	th.Post(env)
	assert.Equal(t, 1, out.len())
	assert.Zero(t, fake.Tickers())
}

func TestThrottler_CloseDrainsAndBypasses(t *testing.T) {
	th, out, _ := newTestThrottler()
	th.Post(emission(t, "s1", 1))
	th.Post(emission(t, "s2", 2))
	th.Close()
	assert.Equal(t, 2, out.len())

	th.Post(emission(t, "s1", 3))
	assert.Equal(t, 3, out.len())
	assert.Equal(t, []int64{1, 2, 3}, values(out.all()))
}
