package supervisor

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Klingon-tech/localchain/internal/broadcast"
	"github.com/Klingon-tech/localchain/internal/process"
	"github.com/Klingon-tech/localchain/internal/testutil/fakenode"
	"github.com/Klingon-tech/localchain/pkg/types"
)

func TestMain(m *testing.M) {
	if fakenode.IsChild() {
		os.Exit(fakenode.Main(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// Process-wide goroutines that outlive any single chain.
var ignoreBackground = []goleak.Option{
	goleak.IgnoreTopFunction("os/signal.signal_recv"),
	goleak.IgnoreAnyFunction("github.com/ethereum/go-ethereum/metrics.(*meterArbiter).tick"),
}

type harness struct {
	sup    *Supervisor
	logs   *broadcast.Broadcaster[types.LogLine]
	blocks *broadcast.Broadcaster[types.Block]
}

func newHarness(t *testing.T, mode string, mutate func(*Options)) *harness {
	t.Helper()
	opts := Options{
		Binary:          os.Args[0],
		Env:             fakenode.Env(mode),
		ConnectAttempts: 50,
		ConnectInterval: 100 * time.Millisecond,
		GracePeriod:     500 * time.Millisecond,
		StopTimeout:     5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := &harness{
		logs:   broadcast.New[types.LogLine](256),
		blocks: broadcast.New[types.Block](64),
	}
	params := Params{ChainID: 31337, Port: fakenode.FreePort(t), BlockTime: 1}
	h.sup = New(params, opts, h.logs, h.blocks)
	t.Cleanup(func() { _ = h.sup.Stop(context.Background()) })
	return h
}

func waitLine(t *testing.T, sub *broadcast.Subscription[types.LogLine], substr string) types.LogLine {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		l, err := sub.Recv(ctx)
		require.NoError(t, err, "waiting for %q", substr)
		if strings.Contains(l.String(), substr) {
			return l
		}
	}
}

func TestSupervisor_Args(t *testing.T) {
	s := New(Params{ChainID: 5, Port: 9000, BlockTime: 0, ForkURL: "https://rpc.example.org"},
		Options{ExtraArgs: []string{"--silent"}}, broadcast.New[types.LogLine](1), broadcast.New[types.Block](1))

	want := []string{"--port", "9000", "--chain-id", "5", "--block-time", "0", "--fork-url", "https://rpc.example.org", "--silent"}
	require.Equal(t, want, s.Args())
	require.Equal(t, "ws://127.0.0.1:9000", s.WSURL())
	require.Equal(t, "http://127.0.0.1:9000", s.RPCURL())
}

func TestSupervisor_StartStreamsAndStop(t *testing.T) {
	h := newHarness(t, fakenode.ModeNormal, nil)
	logs := h.logs.Subscribe()
	blocks := h.blocks.Subscribe()

	require.NoError(t, h.sup.Start(context.Background()))
	require.True(t, h.sup.Running())
	pid := h.sup.PID()
	require.True(t, process.Alive(pid))

	l := waitLine(t, logs, "Listening on")
	require.Equal(t, types.OriginStdout, l.Origin)
	waitLine(t, logs, "[stderr] fakenode: chain id 31337")

	// block_time is 1s: a block must arrive within 2 * block_time.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second+500*time.Millisecond)
	defer cancel()
	b, err := blocks.Recv(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, b.Number, uint64(1))
	require.Equal(t, 1, b.TransactionCount)
	require.Equal(t, fakenode.Coinbase.Hex(), b.Beneficiary)
	require.True(t, strings.HasPrefix(b.Hash, "0x"))
	require.Equal(t, uint64(30_000_000), b.GasLimit)

	require.NoError(t, h.sup.Stop(context.Background()))
	require.False(t, h.sup.Running())
	require.False(t, process.Alive(pid))
	require.Equal(t, 0, h.sup.PID())

	// Stop is idempotent.
	require.NoError(t, h.sup.Stop(context.Background()))
}

func TestSupervisor_StartTwice(t *testing.T) {
	h := newHarness(t, fakenode.ModeNormal, nil)
	require.NoError(t, h.sup.Start(context.Background()))
	require.ErrorIs(t, h.sup.Start(context.Background()), ErrAlreadyRunning)
}

func TestSupervisor_Restart(t *testing.T) {
	h := newHarness(t, fakenode.ModeNormal, nil)
	require.NoError(t, h.sup.Start(context.Background()))
	first := h.sup.PID()

	for range 3 {
		require.NoError(t, h.sup.Restart(context.Background()))
	}
	require.True(t, h.sup.Running())
	require.NotEqual(t, first, h.sup.PID())
	require.False(t, process.Alive(first))
}

func TestSupervisor_SpawnError(t *testing.T) {
	h := newHarness(t, fakenode.ModeNormal, func(o *Options) { o.Binary = "/nonexistent/anvil" })

	err := h.sup.Start(context.Background())
	var se *process.SpawnError
	require.True(t, errors.As(err, &se), "got %v", err)
	require.False(t, h.sup.Running())
}

func TestSupervisor_ConnectTimeout(t *testing.T) {
	h := newHarness(t, fakenode.ModeSilent, func(o *Options) {
		o.ConnectAttempts = 5
		o.ConnectInterval = 20 * time.Millisecond
	})

	err := h.sup.Start(context.Background())
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.False(t, h.sup.Running())
	require.Equal(t, 0, h.sup.PID())
}

func TestSupervisor_InterruptStart(t *testing.T) {
	h := newHarness(t, fakenode.ModeSilent, func(o *Options) {
		o.ConnectAttempts = 1000
		o.ConnectInterval = 50 * time.Millisecond
	})
	logs := h.logs.Subscribe()

	errc := make(chan error, 1)
	go func() { errc <- h.sup.Start(context.Background()) }()

	waitLine(t, logs, "Not listening")
	pid := h.sup.PID()
	require.NotZero(t, pid)
	h.sup.Interrupt()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not observe interrupt")
	}
	require.False(t, h.sup.Running())
	require.False(t, process.Alive(pid))
}

func TestSupervisor_StopDuringStart(t *testing.T) {
	h := newHarness(t, fakenode.ModeSilent, func(o *Options) {
		o.ConnectAttempts = 1000
		o.ConnectInterval = 50 * time.Millisecond
	})
	logs := h.logs.Subscribe()

	errc := make(chan error, 1)
	go func() { errc <- h.sup.Start(context.Background()) }()
	waitLine(t, logs, "Not listening")
	pid := h.sup.PID()

	h.sup.Interrupt()
	require.NoError(t, h.sup.Stop(context.Background()))
	require.Error(t, <-errc)
	require.False(t, process.Alive(pid))
}

func TestSupervisor_UnexpectedExit(t *testing.T) {
	exited := make(chan error, 1)
	h := newHarness(t, fakenode.ModeCrash, func(o *Options) {
		o.OnExit = func(err error) { exited <- err }
	})
	logs := h.logs.Subscribe()

	// The crash may land before or after the subscription is set up.
	_ = h.sup.Start(context.Background())

	select {
	case err := <-exited:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit not called")
	}
	waitLine(t, logs, "[manager] node exited")
	require.False(t, h.sup.Running())

	// The connection to the dead node is gone with it.
	_, err := h.sup.BlockWithTransactions(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotConnected)

	// A crashed node can be started again.
	h.sup.opts.Env = fakenode.Env(fakenode.ModeNormal)
	require.NoError(t, h.sup.Start(context.Background()))
}

func TestSupervisor_BlockWithTransactions(t *testing.T) {
	h := newHarness(t, fakenode.ModeNormal, nil)
	blocks := h.blocks.Subscribe()

	_, err := h.sup.BlockWithTransactions(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, h.sup.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head, err := blocks.Recv(ctx)
	require.NoError(t, err)

	got, err := h.sup.BlockWithTransactions(ctx, head.Number)
	require.NoError(t, err)
	require.Equal(t, head.Hash, got.Block.Hash)
	require.Len(t, got.Transactions, 1)
	require.Equal(t, fakenode.Coinbase.Hex(), got.Transactions[0].From)
	require.Equal(t, head.Number, got.Transactions[0].BlockNumber)
	require.Equal(t, uint64(0), got.Transactions[0].Index)

	genesis, err := h.sup.BlockWithTransactions(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 0, genesis.Block.TransactionCount)
	require.Empty(t, genesis.Transactions)

	_, err = h.sup.BlockWithTransactions(ctx, 1_000_000)
	require.ErrorIs(t, err, ErrBlockNotFound)

	require.NoError(t, h.sup.Stop(context.Background()))
	_, err = h.sup.BlockWithTransactions(ctx, 0)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSupervisor_Info(t *testing.T) {
	h := newHarness(t, fakenode.ModeNormal, nil)
	require.Zero(t, h.sup.Info(context.Background()).PID)

	require.NoError(t, h.sup.Start(context.Background()))
	info := h.sup.Info(context.Background())
	require.Equal(t, h.sup.PID(), info.PID)
	require.True(t, info.Alive)
	require.False(t, info.StartedAt.IsZero())
}

func TestSupervisor_PortTakenByAnotherChain(t *testing.T) {
	first := newHarness(t, fakenode.ModeNormal, nil)
	require.NoError(t, first.sup.Start(context.Background()))

	logs := broadcast.New[types.LogLine](256)
	blocks := broadcast.New[types.Block](64)
	second := New(Params{ChainID: 5, Port: first.sup.params.Port, BlockTime: 1}, first.sup.opts, logs, blocks)
	t.Cleanup(func() { _ = second.Stop(context.Background()) })
	heads := blocks.Subscribe()

	err := second.Start(context.Background())
	require.True(t, errors.Is(err, ErrChainMismatch) || errors.Is(err, ErrNodeExited), "got %v", err)
	require.False(t, second.Running())

	_, err = second.BlockWithTransactions(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotConnected)

	// Blocks of the node owning the port never show up on this chain.
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	_, err = heads.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisor_NoLeakAcrossCycles(t *testing.T) {
	opts := append([]goleak.Option{goleak.IgnoreCurrent()}, ignoreBackground...)
	h := newHarness(t, fakenode.ModeNormal, nil)
	for range 5 {
		require.NoError(t, h.sup.Start(context.Background()))
		require.NoError(t, h.sup.Stop(context.Background()))
	}

	exited := make(chan error, 1)
	crash := newHarness(t, fakenode.ModeCrash, func(o *Options) {
		o.OnExit = func(err error) { exited <- err }
	})
	_ = crash.sup.Start(context.Background())
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit not called")
	}
	require.NoError(t, crash.sup.Stop(context.Background()))

	goleak.VerifyNone(t, opts...)
}
