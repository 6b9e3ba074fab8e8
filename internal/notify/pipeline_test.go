package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/massawatch/internal/history"
	"github.com/loykin/massawatch/internal/node"
	"github.com/loykin/massawatch/internal/registry"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	mu      sync.Mutex
	batches [][]string
	fail    map[int]error // by call index
	info    func(addr string) (node.AddressInfo, bool)
}

func (f *fakeQuerier) Addresses(_ context.Context, addrs []string) ([]node.AddressInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.batches)
	f.batches = append(f.batches, append([]string(nil), addrs...))
	if err := f.fail[idx]; err != nil {
		return nil, err
	}
	var out []node.AddressInfo
	for _, a := range addrs {
		if f.info == nil {
			continue
		}
		if i, ok := f.info(a); ok {
			out = append(out, i)
		}
	}
	return out, nil
}

type sent struct {
	to   int64
	text string
}

type fakeSender struct {
	mu      sync.Mutex
	msgs    []sent
	failFor map[int64]bool
}

func (f *fakeSender) Send(_ context.Context, to int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to, text})
	if f.failFor[to] {
		return errors.New("blocked")
	}
	return nil
}

func (f *fakeSender) to(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.to == id {
			n++
		}
	}
	return n
}

type fakeAdmin struct{ msgs []string }

func (f *fakeAdmin) Notify(_ context.Context, text string) error {
	f.msgs = append(f.msgs, text)
	return nil
}

type memSink struct{ events []history.Event }

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.events = append(m.events, e)
	return nil
}

func degraded(addr string) node.AddressInfo {
	return node.AddressInfo{Address: addr, CycleInfos: []node.CycleInfo{
		{Cycle: 8, OkCount: 10},
		{Cycle: 9, OkCount: 9, NokCount: 1},
	}}
}

func healthy(addr string) node.AddressInfo {
	return node.AddressInfo{Address: addr, CycleInfos: []node.CycleInfo{{Cycle: 8, OkCount: 10}, {Cycle: 9, OkCount: 10}}}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	r.SetClock(func() time.Time { return t0 })
	return r
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newPipeline(reg *registry.Registry, q Querier, s Sender, c *clock, opts ...Option) (*Pipeline, *[]time.Duration) {
	var sleeps []time.Duration
	opts = append([]Option{
		WithClock(c.Now),
		withSleep(func(_ context.Context, d time.Duration) error { sleeps = append(sleeps, d); return nil }),
	}, opts...)
	return New(reg, q, s, opts...), &sleeps
}

func TestBatchesEligibleSubjects(t *testing.T) {
	reg := newRegistry(t)
	for i := 0; i < 2500; i++ {
		require.NoError(t, reg.Subscribe(fmt.Sprintf("AU%04d", i), 1, registry.DefaultPrefs()))
	}
	q := &fakeQuerier{}
	p, sleeps := newPipeline(reg, q, &fakeSender{}, &clock{now: t0.Add(3 * time.Minute)})

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500, res.Eligible)
	assert.Equal(t, 3, res.Queries)
	require.Len(t, q.batches, 3)
	assert.Len(t, q.batches[0], 1000)
	assert.Len(t, q.batches[1], 1000)
	assert.Len(t, q.batches[2], 500)
	assert.Equal(t, "AU0000", q.batches[0][0])
	assert.Equal(t, []time.Duration{DefaultBatchDelay, DefaultBatchDelay}, *sleeps)
}

func TestNoQueryBeforeGraceElapses(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Subscribe("AUa", 1, registry.DefaultPrefs()))
	q := &fakeQuerier{}
	p, _ := newPipeline(reg, q, &fakeSender{}, &clock{now: t0.Add(time.Minute)})
	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, q.batches)
}

func TestThrottleWindow(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Subscribe("AUa", 1, registry.DefaultPrefs()))
	q := &fakeQuerier{info: func(a string) (node.AddressInfo, bool) { return degraded(a), true }}
	s := &fakeSender{}
	c := &clock{now: t0.Add(3 * time.Minute)}
	p, _ := newPipeline(reg, q, s, c)

	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 1, s.to(1))
	notifiedAt := c.now

	for _, d := range []time.Duration{time.Second, time.Minute, 4*time.Minute + 59*time.Second} {
		c.now = notifiedAt.Add(d)
		require.NoError(t, p.Tick(context.Background()))
		assert.Equal(t, 1, s.to(1), "re-notified %s after the first message", d)
	}
	c.now = notifiedAt.Add(DefaultThrottle)
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 2, s.to(1))
}

func TestOnlyRecentCyclesDecide(t *testing.T) {
	old := node.AddressInfo{Address: "AUold", CycleInfos: []node.CycleInfo{
		{Cycle: 7, NokCount: 5},
		{Cycle: 8, OkCount: 3},
		{Cycle: 9, OkCount: 3},
	}}
	assert.False(t, Degraded(old))
	assert.True(t, Degraded(degraded("x")))

	reg := newRegistry(t)
	require.NoError(t, reg.Subscribe("AUold", 1, registry.DefaultPrefs()))
	q := &fakeQuerier{info: func(string) (node.AddressInfo, bool) { return old, true }}
	s := &fakeSender{}
	p, _ := newPipeline(reg, q, s, &clock{now: t0.Add(3 * time.Minute)})
	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, s.msgs)
	last, _ := reg.LastNotified("AUold")
	assert.Equal(t, t0.Add(-registry.NewSubjectGrace), last, "healthy subject keeps its timestamp")
}

func TestDeliveryFailureIsIsolated(t *testing.T) {
	reg := newRegistry(t)
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, reg.Subscribe("AUa", id, registry.DefaultPrefs()))
	}
	q := &fakeQuerier{info: func(a string) (node.AddressInfo, bool) { return degraded(a), true }}
	s := &fakeSender{failFor: map[int64]bool{2: true}}
	sink := &memSink{}
	c := &clock{now: t0.Add(3 * time.Minute)}
	p, _ := newPipeline(reg, q, s, c, WithHistory(history.NewRecorder(nil, sink)))

	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 1, s.to(1))
	assert.Equal(t, 1, s.to(2))
	assert.Equal(t, 1, s.to(3))
	last, _ := reg.LastNotified("AUa")
	assert.Equal(t, c.now, last, "timestamp advances even when one delivery fails")

	require.Len(t, sink.events, 3)
	assert.False(t, sink.events[1].OK)
	assert.Equal(t, "blocked", sink.events[1].Detail)
}

func TestFailedBatchIsSkipped(t *testing.T) {
	reg := newRegistry(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Subscribe(fmt.Sprintf("AU%d", i), 1, registry.DefaultPrefs()))
	}
	q := &fakeQuerier{
		fail: map[int]error{0: errors.New("connection refused")},
		info: func(a string) (node.AddressInfo, bool) { return degraded(a), true },
	}
	s := &fakeSender{}
	p, _ := newPipeline(reg, q, s, &clock{now: t0.Add(3 * time.Minute)}, WithConfig(Config{BatchSize: 2}))

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queries)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Notified)
	require.Len(t, s.msgs, 1)
	assert.Contains(t, s.msgs[0].text, "AU2")
}

func TestRecoveryNotification(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Subscribe("AUa", 1, registry.DefaultPrefs()))
	require.NoError(t, reg.Subscribe("AUa", 2, registry.Prefs{OnFailure: true, OnRecovery: true}))
	bad := true
	q := &fakeQuerier{info: func(a string) (node.AddressInfo, bool) {
		if bad {
			return degraded(a), true
		}
		return healthy(a), true
	}}
	s := &fakeSender{}
	c := &clock{now: t0.Add(3 * time.Minute)}
	p, _ := newPipeline(reg, q, s, c)

	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, s.msgs, 2)

	bad = false
	c.now = c.now.Add(DefaultThrottle)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	require.Len(t, s.msgs, 3)
	assert.Equal(t, int64(2), s.msgs[2].to)
	assert.Contains(t, s.msgs[2].text, "recovered")

	// Recovery is announced once.
	c.now = c.now.Add(DefaultThrottle)
	require.NoError(t, p.Tick(context.Background()))
	assert.Len(t, s.msgs, 3)
}

func TestAdminNotifiedOnFirstSuccessfulQuery(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Subscribe("AUa", 1, registry.DefaultPrefs()))
	q := &fakeQuerier{fail: map[int]error{0: errors.New("refused"), 3: errors.New("timeout")}}
	admin := &fakeAdmin{}
	c := &clock{now: t0.Add(3 * time.Minute)}
	p, _ := newPipeline(reg, q, &fakeSender{}, c, WithAdmin(admin))

	require.NoError(t, p.Tick(context.Background()))
	assert.False(t, p.Started())
	assert.Empty(t, admin.msgs, "failures before the first success stay quiet")

	require.NoError(t, p.Tick(context.Background()))
	require.NoError(t, p.Tick(context.Background()))
	assert.True(t, p.Started())
	assert.Equal(t, []string{"API started successfully."}, admin.msgs)

	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, admin.msgs, 2)
	assert.Contains(t, admin.msgs[1], "timeout")
}

func TestCancelledTickReturnsContextError(t *testing.T) {
	reg := newRegistry(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Subscribe(fmt.Sprintf("AU%d", i), 1, registry.DefaultPrefs()))
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &fakeQuerier{}
	p := New(reg, q, &fakeSender{},
		WithClock(func() time.Time { return t0.Add(3 * time.Minute) }),
		WithConfig(Config{BatchSize: 1, BatchDelay: time.Hour}))
	cancel()
	err := p.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, q.batches, 1)
}

func TestFormatStatus(t *testing.T) {
	rolls := uint64(3)
	msg := FormatStatus(node.AddressInfo{
		Address:        "AU<x>",
		FinalBalance:   "10.5",
		FinalRollCount: 3,
		CycleInfos:     []node.CycleInfo{{Cycle: 42, IsFinal: true, OkCount: 7, NokCount: 1, ActiveRolls: &rolls}},
	})
	assert.Contains(t, msg, "<code>AU&lt;x&gt;</code>")
	assert.Contains(t, msg, "<code>10.5</code> MAS, candidate: <code>0</code> MAS")
	assert.Contains(t, msg, "<b>Cycle 42:</b> (Final)")
	assert.Contains(t, msg, "<b>Active Rolls:</b> <code>3</code>")
	assert.Contains(t, msg, "<b>❌ Blocks:</b> <code>1</code>")
}
