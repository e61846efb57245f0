// Package supervisor runs one dev node: it owns the child process, pumps its
// output into a log broadcaster, follows the node's new heads over
// WebSocket, and republishes them as normalized blocks.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/localchain/internal/broadcast"
	"github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/metrics"
	"github.com/Klingon-tech/localchain/internal/process"
	"github.com/Klingon-tech/localchain/pkg/types"
)

// Defaults for Options.
const (
	DefaultConnectAttempts = 50
	DefaultConnectInterval = 100 * time.Millisecond
	DefaultDialTimeout     = 100 * time.Millisecond
	DefaultStopTimeout     = 10 * time.Second
	DefaultFetchTimeout    = 5 * time.Second
	DefaultHost            = "127.0.0.1"
)

// Params are the per-chain node parameters.
type Params struct {
	ChainID   uint64
	Port      uint16
	BlockTime uint64
	ForkURL   string
}

// ParamsFor extracts node parameters from a chain configuration.
func ParamsFor(cfg types.ChainConfig) Params {
	return Params{ChainID: cfg.ID, Port: cfg.Port, BlockTime: cfg.BlockTime, ForkURL: cfg.ForkURL}
}

// Options control how nodes are launched and watched.
type Options struct {
	Binary    string
	ExtraArgs []string
	Env       []string
	Host      string

	ConnectAttempts uint
	ConnectInterval time.Duration
	DialTimeout     time.Duration
	StopTimeout     time.Duration
	GracePeriod     time.Duration
	FetchTimeout    time.Duration

	// OnExit is called when the node exits without a stop request.
	OnExit func(err error)
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "anvil"
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = DefaultConnectInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	return o
}

// Supervisor owns the node process of one chain.
type Supervisor struct {
	params Params
	opts   Options
	logs   *broadcast.Broadcaster[types.LogLine]
	blocks *broadcast.Broadcaster[types.Block]
	logger zerolog.Logger
	label  string

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	proc        *process.Handle
	client      *ethclient.Client
	cancelStart context.CancelFunc
	cancelRun   context.CancelFunc
	stopping    bool

	lastBlock atomic.Uint64
	wg        sync.WaitGroup
}

// New creates a supervisor. No process is started.
func New(params Params, opts Options, logs *broadcast.Broadcaster[types.LogLine], blocks *broadcast.Broadcaster[types.Block]) *Supervisor {
	return &Supervisor{
		params: params,
		opts:   opts.withDefaults(),
		logs:   logs,
		blocks: blocks,
		logger: log.WithChain(params.ChainID),
		label:  strconv.FormatUint(params.ChainID, 10),
	}
}

// Args returns the command-line arguments the node is launched with.
func (s *Supervisor) Args() []string {
	args := []string{
		"--port", strconv.FormatUint(uint64(s.params.Port), 10),
		"--chain-id", strconv.FormatUint(s.params.ChainID, 10),
		"--block-time", strconv.FormatUint(s.params.BlockTime, 10),
	}
	if s.params.ForkURL != "" {
		args = append(args, "--fork-url", s.params.ForkURL)
	}
	if s.opts.Host != DefaultHost {
		args = append(args, "--host", s.opts.Host)
	}
	return append(args, s.opts.ExtraArgs...)
}

func (s *Supervisor) hostPort() string {
	return net.JoinHostPort(s.opts.Host, strconv.FormatUint(uint64(s.params.Port), 10))
}

// RPCURL is the node's HTTP JSON-RPC endpoint.
func (s *Supervisor) RPCURL() string { return "http://" + s.hostPort() }

// WSURL is the node's WebSocket endpoint.
func (s *Supervisor) WSURL() string { return "ws://" + s.hostPort() }

// Running reports whether a node process is alive.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc != nil && !s.proc.Exited()
}

// Interrupt aborts a Start that is still waiting for the node to come up.
// It does nothing when no Start is in flight.
func (s *Supervisor) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelStart != nil {
		s.cancelStart()
	}
}

// Start spawns the node, waits for its port, and subscribes to new heads.
// On failure the node is terminated before Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	stale := s.proc
	s.mu.RUnlock()
	if stale != nil {
		if !stale.Exited() {
			return ErrAlreadyRunning
		}
		// Crashed earlier; release its client and tasks.
		s.shutdown(ctx)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelStart = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelStart = nil
		s.mu.Unlock()
	}()

	h, err := process.Spawn(process.Spec{
		Path:        s.opts.Binary,
		Args:        s.Args(),
		Env:         s.opts.Env,
		GracePeriod: s.opts.GracePeriod,
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int("pid", h.PID()).Str("binary", s.opts.Binary).Msg("Node spawned")

	runCtx, cancelRun := context.WithCancel(context.Background())
	s.mu.Lock()
	s.proc = h
	s.cancelRun = cancelRun
	s.stopping = false
	s.lastBlock.Store(0)
	s.mu.Unlock()

	s.wg.Add(3)
	go s.pump(h.Stdout(), types.OriginStdout)
	go s.pump(h.Stderr(), types.OriginStderr)
	go s.watch(h)

	if err := s.connect(startCtx, runCtx, h); err != nil {
		s.logger.Warn().Err(err).Msg("Node start failed")
		s.shutdown(context.Background())
		return err
	}

	s.logger.Info().Str("ws", s.WSURL()).Msg("Node running")
	return nil
}

func (s *Supervisor) connect(startCtx, runCtx context.Context, h *process.Handle) error {
	if err := s.waitForPort(startCtx, h); err != nil {
		return err
	}

	client, err := ethclient.DialContext(startCtx, s.WSURL())
	if err != nil {
		return &RPCError{Op: "dial", Err: err}
	}

	// The port may belong to another node when ours failed to bind.
	id, err := client.ChainID(startCtx)
	if err != nil {
		client.Close()
		return &RPCError{Op: "eth_chainId", Err: err}
	}
	if !id.IsUint64() || id.Uint64() != s.params.ChainID {
		client.Close()
		return fmt.Errorf("%w: %s reports %s, want %d", ErrChainMismatch, s.hostPort(), id, s.params.ChainID)
	}

	headers := make(chan *gethHeader, 16)
	sub, err := client.SubscribeNewHead(startCtx, headers)
	if err != nil {
		client.Close()
		return &RPCError{Op: "subscribe newHeads", Err: err}
	}

	// watch clears the client once the node has exited, so it is only
	// published while the node is still alive.
	s.mu.Lock()
	if h.Exited() {
		s.mu.Unlock()
		sub.Unsubscribe()
		client.Close()
		return fmt.Errorf("%w: %v", ErrNodeExited, h.ExitErr())
	}
	s.client = client
	s.mu.Unlock()

	s.wg.Add(1)
	go s.followHeads(runCtx, client, sub, headers)
	return nil
}

// waitForPort polls the node's TCP port with a fixed delay until it accepts
// a connection, the attempts run out, the node dies, or ctx is cancelled.
func (s *Supervisor) waitForPort(ctx context.Context, h *process.Handle) error {
	addr := s.hostPort()
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			if h.Exited() {
				return retry.Unrecoverable(ErrNodeExited)
			}
			conn, err := net.DialTimeout("tcp", addr, s.opts.DialTimeout)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		retry.Context(ctx),
		retry.Attempts(s.opts.ConnectAttempts),
		retry.Delay(s.opts.ConnectInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		metrics.ConnectAttempts.Observe(float64(attempts))
		return nil
	}

	switch {
	case h.Exited():
		return fmt.Errorf("%w: %v", ErrNodeExited, h.ExitErr())
	case ctx.Err() != nil:
		return fmt.Errorf("start interrupted: %w", ctx.Err())
	default:
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectTimeout, addr, attempts, err)
	}
}

// Stop terminates the node and joins its background tasks. The chain is
// considered stopped even when an error is returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.shutdown(ctx)
}

// Restart stops the node then starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// shutdown must be called with lifecycle held.
func (s *Supervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	h := s.proc
	client := s.client
	cancelRun := s.cancelRun
	s.stopping = true
	s.proc = nil
	s.client = nil
	s.cancelRun = nil
	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if client != nil {
		client.Close()
	}
	if h == nil {
		s.wg.Wait()
		return nil
	}

	termCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	if err := h.Terminate(termCtx); err != nil {
		s.logger.Error().Err(err).Int("pid", h.PID()).Msg("Failed to terminate node")
		return err
	}
	s.wg.Wait()

	s.logger.Info().Int("pid", h.PID()).Msg("Node stopped")
	return nil
}

func (s *Supervisor) pump(r io.Reader, origin string) {
	defer s.wg.Done()

	lines := metrics.LogLines.WithLabelValues(s.label, origin)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		s.logs.Publish(types.NewLogLine(origin, text))
		lines.Inc()
		s.logger.Trace().Str("origin", origin).Msg(text)
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug().Err(err).Str("origin", origin).Msg("Output pump stopped")
		// Keep draining so the node never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) watch(h *process.Handle) {
	defer s.wg.Done()
	<-h.Done()

	s.mu.Lock()
	requested := s.stopping || s.proc != h
	onExit := s.opts.OnExit
	var (
		client    *ethclient.Client
		cancelRun context.CancelFunc
	)
	if !requested {
		client, s.client = s.client, nil
		cancelRun, s.cancelRun = s.cancelRun, nil
	}
	s.mu.Unlock()
	if requested {
		return
	}

	// End the head loop and the connection with the node.
	if cancelRun != nil {
		cancelRun()
	}
	if client != nil {
		client.Close()
	}

	err := h.ExitErr()
	if err == nil {
		err = errors.New("exit status 0")
	}
	s.logger.Warn().Err(err).Int("pid", h.PID()).Msg("Node exited unexpectedly")
	metrics.NodeExits.WithLabelValues(s.label).Inc()
	s.logs.Publish(types.NewLogLine(types.OriginManager, "node exited: "+err.Error()))
	if onExit != nil {
		onExit(err)
	}
}

// Info describes the node process.
type Info struct {
	PID        int
	Alive      bool
	StartedAt  time.Time
	RSSBytes   uint64
	CPUPercent float64
	LastBlock  uint64
}

// Info samples the current process state.
func (s *Supervisor) Info(ctx context.Context) Info {
	s.mu.RLock()
	h := s.proc
	s.mu.RUnlock()

	info := Info{LastBlock: s.lastBlock.Load()}
	if h == nil {
		return info
	}
	info.PID = h.PID()
	info.StartedAt = h.StartedAt()
	info.Alive = !h.Exited() && process.Alive(h.PID())
	if st, err := h.Stats(ctx); err == nil {
		info.RSSBytes = st.RSSBytes
		info.CPUPercent = st.CPUPercent
	}
	return info
}

// PID returns the node's process id, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}
