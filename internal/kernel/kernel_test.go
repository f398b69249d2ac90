package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct{ n int }
type pong struct{ n int }

func (ping) ID() MsgID { return 1 }
func (pong) ID() MsgID { return 2 }

const (
	taskA TaskID = 0x10
	taskB TaskID = 0x20

	stateOff StateID = 0
	stateOn  StateID = 1
)

func newTestKernel(opts ...Option) *Kernel {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return New(logger, opts...)
}

func TestDispatchByState(t *testing.T) {
	k := newTestKernel()
	var got []string

	require.NoError(t, k.RegisterTask(taskA, TaskDesc{
		Name:    "a",
		Initial: stateOff,
		States: map[StateID]StateHandlers{
			stateOff: {1: func(Envelope) { got = append(got, "off:ping") }},
			stateOn:  {1: func(Envelope) { got = append(got, "on:ping") }},
		},
		Default: StateHandlers{
			1: func(Envelope) { got = append(got, "default:ping") },
			2: func(Envelope) { got = append(got, "default:pong") },
		},
	}))

	k.Send(taskA, taskB, ping{})
	k.Send(taskA, taskB, pong{})
	assert.Equal(t, 2, k.Drain())

	k.SetState(taskA, stateOn)
	assert.Equal(t, stateOn, k.State(taskA))
	k.Send(taskA, taskB, ping{})
	k.Drain()

	assert.Equal(t, []string{"off:ping", "default:pong", "on:ping"}, got)
}

func TestUnhandledMessagesAreDropped(t *testing.T) {
	k := newTestKernel()
	require.NoError(t, k.RegisterTask(taskA, TaskDesc{
		States: map[StateID]StateHandlers{stateOn: {1: func(Envelope) { t.Fatal("wrong state") }}},
	}))

	k.Send(taskA, taskB, ping{})
	k.Send(taskB, taskA, ping{})
	k.Drain()

	st := k.Stats()
	assert.Equal(t, int64(2), st.Queued)
	assert.Equal(t, int64(0), st.Dispatched)
	assert.Equal(t, int64(2), st.Dropped)
}

func TestRegisterTaskTwice(t *testing.T) {
	k := newTestKernel()
	require.NoError(t, k.RegisterTask(taskA, TaskDesc{}))
	assert.ErrorIs(t, k.RegisterTask(taskA, TaskDesc{}), ErrTaskExists)
}

func TestRunToCompletionOrder(t *testing.T) {
	// GOAL: messages sent by a handler are processed after it returns, in FIFO order
	//
	// TEST SCENARIO: A receives ping → sends two pongs to B → B sees them after A's handler finished
	k := newTestKernel()
	var trace []string

	require.NoError(t, k.RegisterTask(taskA, TaskDesc{Default: StateHandlers{
		1: func(env Envelope) {
			trace = append(trace, "a:start")
			k.Send(taskB, taskA, pong{n: 1})
			k.Send(taskB, taskA, pong{n: 2})
			trace = append(trace, "a:end")
		},
	}}))
	require.NoError(t, k.RegisterTask(taskB, TaskDesc{Default: StateHandlers{
		2: func(env Envelope) {
			trace = append(trace, "b:pong"+string(rune('0'+env.Msg.(pong).n)))
		},
	}}))

	require.NoError(t, k.Post(Envelope{Dest: taskA, Msg: ping{}}))
	assert.Equal(t, 3, k.Drain())
	assert.Equal(t, []string{"a:start", "a:end", "b:pong1", "b:pong2"}, trace)
}

func TestObserverSeesEveryEnvelope(t *testing.T) {
	k := newTestKernel()
	var seen []MsgID
	k.Observe(func(env Envelope) { seen = append(seen, env.Msg.ID()) })

	require.NoError(t, k.RegisterTask(taskA, TaskDesc{Default: StateHandlers{1: func(Envelope) {}}}))
	k.Send(taskA, taskB, ping{})
	k.Send(taskA, taskB, pong{})
	k.Drain()

	assert.Equal(t, []MsgID{1, 2}, seen)
}

func TestPostQueueDepth(t *testing.T) {
	k := newTestKernel(WithQueueDepth(2))

	require.NoError(t, k.Post(Envelope{Dest: taskA, Msg: ping{}}))
	require.NoError(t, k.Post(Envelope{Dest: taskA, Msg: ping{}}))
	assert.ErrorIs(t, k.Post(Envelope{Dest: taskA, Msg: ping{}}), ErrQueueFull)

	// Send is not bounded.
	k.Send(taskA, taskB, ping{})
	assert.Equal(t, int64(1), k.Stats().Rejected)
	assert.Equal(t, 3, k.Drain())
}

func TestRunAndPostAndWait(t *testing.T) {
	k := newTestKernel()
	var mu sync.Mutex
	handled := 0
	require.NoError(t, k.RegisterTask(taskA, TaskDesc{Default: StateHandlers{
		1: func(Envelope) {
			mu.Lock()
			handled++
			mu.Unlock()
		},
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(ctx) }()

	for i := 0; i < 5; i++ {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, k.PostAndWait(waitCtx, Envelope{Dest: taskA, Msg: ping{n: i}}))
		waitCancel()
	}
	mu.Lock()
	assert.Equal(t, 5, handled)
	mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	assert.ErrorIs(t, k.Post(Envelope{Dest: taskA, Msg: ping{}}), ErrStopped)
	assert.ErrorIs(t, k.Run(context.Background()), ErrStopped)
}

func TestMsgName(t *testing.T) {
	RegisterMsgNames(map[MsgID]string{0x7001: "test_msg"})
	assert.Equal(t, "test_msg", MsgID(0x7001).String())
	assert.Equal(t, "msg(0x7002)", MsgName(0x7002))
}

func TestDoRunsOnKernelGoroutine(t *testing.T) {
	k := newTestKernel()
	var seen []MsgID
	k.Observe(func(env Envelope) { seen = append(seen, env.Msg.ID()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	ran := false
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, k.Do(waitCtx, func() { ran = true }))
	assert.True(t, ran)
	assert.Empty(t, seen, "closures are not observed")
	assert.Equal(t, int64(0), k.Stats().Dispatched)
}
