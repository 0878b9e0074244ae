package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testwire/testwire/lifecycle"
	"github.com/testwire/testwire/types"
	"github.com/testwire/testwire/wire"
)

// eofTransport ends the stream immediately.
type eofTransport struct{}

func (eofTransport) Recv(ctx context.Context) ([]byte, error) { return nil, io.EOF }

func (eofTransport) Close() error { return nil }

// slotRunner is a runner slot that tracks concurrency and execution order.
type slotRunner struct {
	id       string
	hold     time.Duration
	fail     error
	tracker  *tracker
	blockOn  chan struct{} // when set, Dispatch blocks until closed or ctx done
	canceled atomic.Bool
}

type tracker struct {
	mu      sync.Mutex
	current int
	max     int
	order   []string
}

func (tr *tracker) enter(suiteID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.current++
	if tr.current > tr.max {
		tr.max = tr.current
	}
	tr.order = append(tr.order, suiteID)
}

func (tr *tracker) exit() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.current--
}

func (r *slotRunner) ID() string { return r.id }

func (r *slotRunner) Dispatch(ctx context.Context, suite types.Suite) error {
	if r.tracker != nil {
		r.tracker.enter(suite.ID)
		defer r.tracker.exit()
	}
	if r.blockOn != nil {
		select {
		case <-r.blockOn:
		case <-ctx.Done():
			r.canceled.Store(true)
			return ctx.Err()
		}
	}
	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	return r.fail
}

func (r *slotRunner) Connect(ctx context.Context, args types.RunArgs) (lifecycle.Transport, error) {
	return eofTransport{}, nil
}

func (r *slotRunner) Disconnect(ctx context.Context) error { return nil }

func (r *slotRunner) DispatchTimeout() time.Duration { return 0 }

func (r *slotRunner) ConnectTimeout() time.Duration { return 0 }

type nullSink struct{}

func (nullSink) Apply(wire.Packet) {}

func newScheduler(t *testing.T, slots ...lifecycle.Runner) *Scheduler {
	t.Helper()
	s, err := New(Config{Slots: slots, Sink: nullSink{}})
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Sink: nullSink{}})
	assert.Error(t, err, "empty slot pool should be rejected")

	_, err = New(Config{Slots: []lifecycle.Runner{&slotRunner{id: "a"}}})
	assert.Error(t, err, "missing sink should be rejected")

	_, err = New(Config{
		Slots: []lifecycle.Runner{&slotRunner{id: "a"}, &slotRunner{id: "a"}},
		Sink:  nullSink{},
	})
	assert.Error(t, err, "duplicate slot IDs should be rejected")
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	const slots = 3
	const tasks = 10

	tr := &tracker{}
	pool := make([]lifecycle.Runner, slots)
	for i := range pool {
		pool[i] = &slotRunner{id: fmt.Sprintf("slot-%d", i), tracker: tr, hold: 20 * time.Millisecond}
	}
	s := newScheduler(t, pool...)

	handles := make([]*Handle, tasks)
	for i := range handles {
		handles[i] = s.Submit(context.Background(), Task{Suite: types.Suite{ID: fmt.Sprintf("suite-%d", i)}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.LessOrEqual(t, tr.max, slots, "at most N lifecycles may execute simultaneously")
	assert.Len(t, tr.order, tasks, "all submitted tasks must eventually run")
}

func TestScheduler_FIFOOrder(t *testing.T) {
	tr := &tracker{}
	s := newScheduler(t, &slotRunner{id: "only", tracker: tr})

	var handles []*Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, s.Submit(context.Background(), Task{Suite: types.Suite{ID: fmt.Sprintf("suite-%d", i)}}))
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{"suite-0", "suite-1", "suite-2", "suite-3", "suite-4"}, tr.order)
}

func TestScheduler_PinnedTask(t *testing.T) {
	tr := &tracker{}
	a := &slotRunner{id: "runner-a", tracker: tr}
	b := &slotRunner{id: "runner-b", tracker: tr}
	s := newScheduler(t, a, b)

	h := s.Submit(context.Background(), Task{
		Suite:    types.Suite{ID: "pinned"},
		RunnerID: "runner-b",
	})
	outcome, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "runner-b", outcome.RunnerID, "pinned task must bind its named slot")
}

func TestScheduler_PinnedTaskDoesNotBlockUnpinned(t *testing.T) {
	gate := make(chan struct{})
	busy := &slotRunner{id: "busy", blockOn: gate}
	free := &slotRunner{id: "free"}
	s := newScheduler(t, busy, free)

	// Occupy the "busy" slot.
	hBusy := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "long"}, RunnerID: "busy"})
	// A task pinned to the occupied slot waits...
	hPinned := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "pinned"}, RunnerID: "busy"})
	// ...but an unpinned task behind it still runs on the free slot.
	hUnpinned := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "unpinned"}})

	outcome, err := hUnpinned.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "free", outcome.RunnerID)

	close(gate)
	_, err = hBusy.Wait(context.Background())
	require.NoError(t, err)
	_, err = hPinned.Wait(context.Background())
	require.NoError(t, err)
}

func TestScheduler_HandleSettlesExactlyOnce(t *testing.T) {
	s := newScheduler(t, &slotRunner{id: "a", fail: errors.New("dispatch exploded")})

	h := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "suite-1"}})

	outcome1, err1 := h.Wait(context.Background())
	outcome2, err2 := h.Wait(context.Background())
	require.Error(t, err1)
	assert.Equal(t, err1, err2, "repeated waits must observe the same settlement")
	assert.Equal(t, outcome1, outcome2)
	assert.True(t, outcome1.Failed())
}

func TestScheduler_FailureDoesNotAbortSiblings(t *testing.T) {
	bad := &slotRunner{id: "bad", fail: errors.New("boom")}
	good := &slotRunner{id: "good"}
	s := newScheduler(t, bad, good)

	hBad := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "failing"}, RunnerID: "bad"})
	hGood := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "passing"}, RunnerID: "good"})

	_, errBad := hBad.Wait(context.Background())
	_, errGood := hGood.Wait(context.Background())
	assert.Error(t, errBad)
	assert.NoError(t, errGood, "a failed sibling must not reject other tasks")
}

func TestScheduler_Cancel(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	slot := &slotRunner{id: "only", blockOn: gate}
	s := newScheduler(t, slot)

	hRunning := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "in-flight"}})
	hQueued := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "queued"}})

	// Give the first task time to bind the slot.
	require.Eventually(t, func() bool { return s.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	s.Cancel()

	_, err := hQueued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled, "queued tasks are rejected on cancel")

	_, err = hRunning.Wait(context.Background())
	assert.Error(t, err, "in-flight lifecycle should observe cancellation")
	assert.True(t, slot.canceled.Load(), "in-flight work must be told to tear down")

	// Nothing new is accepted afterwards.
	hLate := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "late"}})
	_, err = hLate.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	require.NoError(t, s.Wait(context.Background()))
}

func TestScheduler_WaitTimesOut(t *testing.T) {
	gate := make(chan struct{})
	s := newScheduler(t, &slotRunner{id: "only", blockOn: gate})
	h := s.Submit(context.Background(), Task{Suite: types.Suite{ID: "slow"}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(gate)
	_, err := h.Wait(context.Background())
	require.NoError(t, err)
}
