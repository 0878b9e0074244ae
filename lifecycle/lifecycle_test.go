package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testwire/testwire/timeout"
	"github.com/testwire/testwire/types"
	"github.com/testwire/testwire/wire"
)

// frameTransport serves a fixed list of frames, then EOF.
type frameTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (t *frameTransport) Recv(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil, io.EOF
	}
	frame := t.frames[0]
	t.frames = t.frames[1:]
	return frame, nil
}

func (t *frameTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeRunner struct {
	id              string
	dispatchTimeout time.Duration
	connectTimeout  time.Duration

	dispatchErr   error
	dispatchHang  bool
	connectErr    error
	connectHang   bool
	disconnectErr error

	transport Transport

	mu          sync.Mutex
	disconnects int
}

func (r *fakeRunner) ID() string { return r.id }

func (r *fakeRunner) Dispatch(ctx context.Context, suite types.Suite) error {
	if r.dispatchHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.dispatchErr
}

func (r *fakeRunner) Connect(ctx context.Context, args types.RunArgs) (Transport, error) {
	if r.connectHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	return r.transport, nil
}

func (r *fakeRunner) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	return r.disconnectErr
}

func (r *fakeRunner) DispatchTimeout() time.Duration { return r.dispatchTimeout }

func (r *fakeRunner) ConnectTimeout() time.Duration { return r.connectTimeout }

// collectSink records applied packets.
type collectSink struct {
	mu      sync.Mutex
	packets []wire.Packet
}

func (s *collectSink) Apply(pkt wire.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkt)
}

func (s *collectSink) kinds() []wire.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]wire.Kind, 0, len(s.packets))
	for _, pkt := range s.packets {
		kinds = append(kinds, pkt.Header.Kind)
	}
	return kinds
}

func encodeFrame(t *testing.T, p wire.Payload, suiteID, runnerID string) []byte {
	t.Helper()
	data, err := wire.Encode(p, wire.Identity{SuiteID: suiteID, RunnerID: runnerID}, time.Now().UTC())
	require.NoError(t, err)
	return data
}

func testSuite() types.Suite {
	return types.Suite{ID: "suite-1", Name: "checkout", Artifact: "checkout.suite"}
}

func TestInstance_CleanCycle(t *testing.T) {
	transport := &frameTransport{frames: [][]byte{
		encodeFrame(t, &wire.StatusPayload{Name: "a"}, "suite-1", "runner-a"),
		encodeFrame(t, &wire.EventsPayload{Name: "a", Passed: true, Duration: 5}, "suite-1", "runner-a"),
	}}
	runner := &fakeRunner{id: "runner-a", transport: transport}
	sink := &collectSink{}

	inst, err := NewInstance(runner, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, inst.State())

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	assert.False(t, outcome.Failed())
	assert.NoError(t, outcome.Err)
	assert.Equal(t, StateIdle, inst.State())
	assert.Equal(t, 2, outcome.Packets)
	assert.Equal(t, []wire.Kind{wire.KindStatus, wire.KindEvents}, sink.kinds())
	assert.Equal(t, 1, runner.disconnects, "disconnect hook should run once")
	assert.True(t, transport.closed, "transport should be torn down")
}

func TestInstance_DispatchTimeout(t *testing.T) {
	runner := &fakeRunner{id: "runner-a", dispatchHang: true, dispatchTimeout: 30 * time.Millisecond}
	sink := &collectSink{}
	inst, err := NewInstance(runner, sink, nil)
	require.NoError(t, err)

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	require.True(t, outcome.Failed())
	var timeoutErr *timeout.Error
	require.ErrorAs(t, outcome.Err, &timeoutErr)
	assert.Equal(t, "dispatch", timeoutErr.Label)
	assert.Equal(t, StateFailed, inst.State())

	// The failure is surfaced to the sink as a fatal packet for the suite.
	require.Len(t, sink.packets, 1)
	assert.Equal(t, wire.KindError, sink.packets[0].Header.Kind)
	assert.Equal(t, "suite-1", sink.packets[0].Header.SuiteID)
}

func TestInstance_DispatchRejection(t *testing.T) {
	runner := &fakeRunner{id: "runner-a", dispatchErr: errors.New("artifact missing")}
	sink := &collectSink{}
	inst, err := NewInstance(runner, sink, nil)
	require.NoError(t, err)

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	require.True(t, outcome.Failed())
	assert.ErrorContains(t, outcome.Err, "artifact missing")
	require.Len(t, sink.packets, 1)
	assert.Equal(t, wire.KindError, sink.packets[0].Header.Kind)
}

func TestInstance_ConnectTimeout(t *testing.T) {
	runner := &fakeRunner{id: "runner-a", connectHang: true, connectTimeout: 30 * time.Millisecond}
	sink := &collectSink{}
	inst, err := NewInstance(runner, sink, nil)
	require.NoError(t, err)

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	require.True(t, outcome.Failed())
	var timeoutErr *timeout.Error
	require.ErrorAs(t, outcome.Err, &timeoutErr)
	assert.Equal(t, "connect", timeoutErr.Label)
	assert.Equal(t, 1, runner.disconnects, "teardown should still be attempted after a connect timeout")
}

func TestInstance_FatalPacketMidStream(t *testing.T) {
	fatalFrame, err := wire.EncodeFatal(errors.New("runner crashed"), wire.Identity{SuiteID: "suite-1", RunnerID: "runner-a"}, time.Now().UTC())
	require.NoError(t, err)

	transport := &frameTransport{frames: [][]byte{
		encodeFrame(t, &wire.StatusPayload{Name: "a"}, "suite-1", "runner-a"),
		fatalFrame,
		// A frame after the fatal packet must never be consumed.
		encodeFrame(t, &wire.EventsPayload{Name: "a", Passed: true}, "suite-1", "runner-a"),
	}}
	runner := &fakeRunner{id: "runner-a", transport: transport}
	sink := &collectSink{}
	inst, err := NewInstance(runner, sink, nil)
	require.NoError(t, err)

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	require.True(t, outcome.Failed())
	var fatalErr *FatalError
	require.ErrorAs(t, outcome.Err, &fatalErr)
	assert.Equal(t, "suite-1", fatalErr.SuiteID)
	assert.Contains(t, fatalErr.Fatal.Message, "runner crashed")

	assert.Equal(t, 2, outcome.Packets, "consumption must stop at the fatal packet")
	assert.Equal(t, []wire.Kind{wire.KindStatus, wire.KindError}, sink.kinds())
	assert.True(t, transport.closed)
}

func TestInstance_DisconnectFailureIsSwallowed(t *testing.T) {
	transport := &frameTransport{}
	runner := &fakeRunner{id: "runner-a", transport: transport, disconnectErr: errors.New("already gone")}
	inst, err := NewInstance(runner, &collectSink{}, nil)
	require.NoError(t, err)

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	assert.False(t, outcome.Failed(), "a disconnect failure cannot change a determined outcome")
	assert.NoError(t, outcome.Err)
}

func TestInstance_UndecodableFrame(t *testing.T) {
	transport := &frameTransport{frames: [][]byte{{0xff, 0x00}}}
	runner := &fakeRunner{id: "runner-a", transport: transport}
	inst, err := NewInstance(runner, &collectSink{}, nil)
	require.NoError(t, err)

	outcome := inst.Run(context.Background(), testSuite(), types.RunArgs{})

	require.True(t, outcome.Failed())
	assert.ErrorContains(t, outcome.Err, "decoding packet")
}

func TestNewInstance_Validation(t *testing.T) {
	_, err := NewInstance(nil, &collectSink{}, nil)
	assert.Error(t, err)

	_, err = NewInstance(&fakeRunner{id: "r"}, nil, nil)
	assert.Error(t, err)
}

func TestPhaseBudget(t *testing.T) {
	assert.Equal(t, 5*time.Second, phaseBudget(5*time.Second, time.Second))
	assert.Equal(t, time.Second, phaseBudget(0, time.Second))
	assert.Equal(t, timeout.Disabled, phaseBudget(0, 0))
	assert.Equal(t, timeout.Disabled, phaseBudget(timeout.Disabled, time.Second))
}
