package plant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/reaction"
	"github.com/c360/reactor/scheduler"
)

type order struct {
	ID    int
	Items int
}

type shipment struct {
	OrderID int
}

type statsLog struct {
	mu    sync.Mutex
	stats []*reaction.Statistics
}

func (l *statsLog) observe(s *reaction.Statistics) {
	l.mu.Lock()
	l.stats = append(l.stats, s)
	l.mu.Unlock()
}

func (l *statsLog) find(label string) *reaction.Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.stats {
		if len(s.Identifier) > 0 && s.Identifier[0] == label {
			return s
		}
	}
	return nil
}

func newRunningPlant(t *testing.T) (*PowerPlant, *statsLog) {
	t.Helper()
	pool, err := scheduler.NewPool(scheduler.Config{Workers: 2}, scheduler.Deps{})
	require.NoError(t, err)
	log := &statsLog{}
	pool.AddObserver(log.observe)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(time.Second) })

	p, err := New(Deps{Submitter: pool})
	require.NoError(t, err)
	return p, log
}

func TestEmitReachesSubscribers(t *testing.T) {
	p, _ := newRunningPlant(t)

	got := make(chan order, 2)
	On(p, "first", func(_ context.Context, o order) error { got <- o; return nil }, reaction.DefaultOptions())
	On(p, "second", func(_ context.Context, o order) error { got <- o; return nil }, reaction.DefaultOptions())
	On(p, "other", func(context.Context, shipment) error {
		t.Error("shipment reaction must not run for an order")
		return nil
	}, reaction.DefaultOptions())

	assert.Equal(t, 2, Emit(context.Background(), p, order{ID: 1, Items: 3}))
	for i := 0; i < 2; i++ {
		select {
		case o := <-got:
			assert.Equal(t, order{ID: 1, Items: 3}, o)
		case <-time.After(time.Second):
			t.Fatal("order not delivered")
		}
	}

	assert.Zero(t, p.Publish(context.Background(), "unsubscribed type"))
	assert.Zero(t, p.Publish(context.Background(), nil))
}

func TestEmitRecordsCause(t *testing.T) {
	p, log := newRunningPlant(t)

	done := make(chan struct{})
	On(p, "ship", func(_ context.Context, s shipment) error {
		close(done)
		return nil
	}, reaction.DefaultOptions())
	On(p, "accept", func(ctx context.Context, o order) error {
		Emit(ctx, p, shipment{OrderID: o.ID})
		return nil
	}, reaction.DefaultOptions())

	Emit(context.Background(), p, order{ID: 9})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shipment not delivered")
	}

	require.Eventually(t, func() bool { return log.find("ship") != nil && log.find("accept") != nil },
		time.Second, 5*time.Millisecond)
	accept, ship := log.find("accept"), log.find("ship")
	assert.Zero(t, accept.CauseTaskID)
	assert.Equal(t, accept.TaskID, ship.CauseTaskID)
	assert.Equal(t, accept.ReactionID, ship.CauseReactionID)
	assert.Equal(t, []string{"ship", "local", "github.com/c360/reactor/plant.shipment"}, ship.Identifier)
}

func TestDisabledAndRemovedReactions(t *testing.T) {
	p, _ := newRunningPlant(t)

	r := On(p, "orders", func(context.Context, order) error { return nil }, reaction.DefaultOptions())
	r.Disable()
	assert.Zero(t, Emit(context.Background(), p, order{}))

	r.Enable()
	p.Remove(r)
	assert.True(t, r.IsUnbound())
	assert.Zero(t, Emit(context.Background(), p, order{}))
}

func TestFinishHookMayPublishOnClosedPool(t *testing.T) {
	pool, err := scheduler.NewPool(scheduler.Config{Workers: 1}, scheduler.Deps{})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	p, err := New(Deps{Submitter: pool})
	require.NoError(t, err)

	shipHook := make(chan struct{}, 1)
	ship := On(p, "ship", func(context.Context, shipment) error { return nil }, reaction.DefaultOptions())
	ship.OnFinish(func(*reaction.Task) { shipHook <- struct{}{} })
	accept := On(p, "accept", func(context.Context, order) error { return nil }, reaction.DefaultOptions())
	accept.OnFinish(func(*reaction.Task) {
		Emit(context.Background(), p, shipment{OrderID: 1})
	})

	done := make(chan int, 1)
	go func() { done <- Emit(context.Background(), p, order{ID: 1}) }()

	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("publish from a finish hook deadlocked")
	}
	select {
	case <-shipHook:
	case <-time.After(time.Second):
		t.Fatal("nested publish never reached the shipment reaction")
	}
	assert.Zero(t, accept.ActiveTasks())
	assert.Zero(t, ship.ActiveTasks())
}

func TestNewRequiresSubmitter(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
