// Package registry is the single source of truth for chain instances: it maps
// a chain id to its configuration, status, broadcasters and supervisor, and
// governs which lifecycle operations are legal when.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/localchain/internal/broadcast"
	"github.com/Klingon-tech/localchain/internal/history"
	"github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/metrics"
	"github.com/Klingon-tech/localchain/internal/supervisor"
	"github.com/Klingon-tech/localchain/pkg/types"
)

var (
	// ErrNotFound is returned for any operation on an unknown chain id.
	ErrNotFound = errors.New("chain not found")
	// ErrDuplicateID is returned by Create when the id is taken.
	ErrDuplicateID = errors.New("chain id already exists")
	// ErrInvalidConfig wraps a rejected chain configuration.
	ErrInvalidConfig = errors.New("invalid chain config")
)

// StopMarker is the text of the log line published after every stop.
const StopMarker = "stopped"

// Options configure a Registry.
type Options struct {
	Supervisor  supervisor.Options
	LogBuffer   int
	BlockBuffer int
	// History is optional. When set, every chain's blocks are recorded.
	History *history.Store
}

type entry struct {
	cfg    types.ChainConfig // guarded by Registry.mu
	logs   *broadcast.Broadcaster[types.LogLine]
	blocks *broadcast.Broadcaster[types.Block]
	sup    *supervisor.Supervisor

	// op serializes start, stop, restart and delete of this chain.
	op      sync.Mutex
	removed bool // guarded by Registry.mu

	recorded chan struct{} // closed when the history recorder exits
}

// Registry holds every chain instance.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	chains map[uint64]*entry

	recorders sync.WaitGroup
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		opts:   opts,
		logger: log.Registry,
		chains: make(map[uint64]*entry),
	}
}

func (r *Registry) lookup(id uint64) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, nil
}

// lock acquires the entry's op lock and rechecks that it was not deleted
// while waiting.
func (r *Registry) lock(id uint64) (*entry, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.op.Lock()

	r.mu.Lock()
	removed := e.removed
	r.mu.Unlock()
	if removed {
		e.op.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) setStatus(e *entry, st types.ChainStatus) {
	r.mu.Lock()
	e.cfg.Status = st
	r.updateGaugesLocked()
	r.mu.Unlock()
	r.logger.Debug().Uint64("chain", e.cfg.ID).Str("status", string(st)).Msg("Status changed")
}

func (r *Registry) updateGaugesLocked() {
	counts := map[types.ChainStatus]int{
		types.StatusStopped: 0, types.StatusStarting: 0, types.StatusRunning: 0, types.StatusError: 0,
	}
	for _, e := range r.chains {
		counts[e.cfg.Status]++
	}
	for st, n := range counts {
		metrics.Chains.WithLabelValues(string(st)).Set(float64(n))
	}
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Operations.WithLabelValues(op, result).Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// List returns a snapshot of every chain configuration, ordered by id.
func (r *Registry) List() []types.ChainConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.ChainConfig, 0, len(r.chains))
	for _, e := range r.chains {
		out = append(out, e.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the configuration of one chain.
func (r *Registry) Get(id uint64) (types.ChainConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.chains[id]
	if !ok {
		return types.ChainConfig{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e.cfg, nil
}

// Create registers a chain in the Stopped state. The status field of cfg is
// ignored.
func (r *Registry) Create(cfg types.ChainConfig) (uint64, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		observe("create", start, err)
		return 0, err
	}
	cfg.Status = types.StatusStopped

	r.mu.Lock()
	if _, exists := r.chains[cfg.ID]; exists {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %d", ErrDuplicateID, cfg.ID)
		observe("create", start, err)
		return 0, err
	}

	e := &entry{
		cfg:    cfg,
		logs:   broadcast.New[types.LogLine](r.opts.LogBuffer),
		blocks: broadcast.New[types.Block](r.opts.BlockBuffer),
	}
	supOpts := r.opts.Supervisor
	supOpts.OnExit = func(err error) { r.handleExit(e, err) }
	e.sup = supervisor.New(supervisor.ParamsFor(cfg), supOpts, e.logs, e.blocks)

	r.chains[cfg.ID] = e
	r.updateGaugesLocked()
	r.mu.Unlock()

	if r.opts.History != nil {
		e.recorded = make(chan struct{})
		sub := e.blocks.Subscribe()
		r.recorders.Add(1)
		go r.record(cfg.ID, sub, e.recorded)
	}

	r.logger.Info().Uint64("chain", cfg.ID).Str("name", cfg.Name).Uint16("port", cfg.Port).Msg("Chain created")
	observe("create", start, nil)
	return cfg.ID, nil
}

// Start launches the chain's node. The status is Starting while the node
// comes up, then Running or Error.
func (r *Registry) Start(ctx context.Context, id uint64) (err error) {
	begin := time.Now()
	defer func() { observe("start", begin, err) }()
	defer log.Timed(r.logger.With().Uint64("chain", id).Logger(), "start")()

	e, err := r.lock(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()
	return r.startLocked(ctx, e)
}

func (r *Registry) startLocked(ctx context.Context, e *entry) error {
	if e.sup.Running() {
		return supervisor.ErrAlreadyRunning
	}

	r.setStatus(e, types.StatusStarting)
	if r.opts.History != nil {
		if err := r.opts.History.Reset(e.cfg.ID); err != nil {
			r.logger.Warn().Err(err).Uint64("chain", e.cfg.ID).Msg("Failed to reset block history")
		}
	}

	if err := e.sup.Start(ctx); err != nil {
		r.setStatus(e, types.StatusError)
		e.logs.Publish(types.NewLogLine(types.OriginManager, "start failed: "+err.Error()))
		return err
	}

	// The node may already have died; handleExit only demotes Running.
	r.mu.Lock()
	if e.sup.Running() {
		e.cfg.Status = types.StatusRunning
	} else {
		e.cfg.Status = types.StatusError
	}
	r.updateGaugesLocked()
	r.mu.Unlock()
	return nil
}

// Stop terminates the chain's node. The chain is Stopped afterwards even if
// the kill failed; the failure is still returned.
func (r *Registry) Stop(ctx context.Context, id uint64) (err error) {
	begin := time.Now()
	defer func() { observe("stop", begin, err) }()
	defer log.Timed(r.logger.With().Uint64("chain", id).Logger(), "stop")()

	if e, err := r.lookup(id); err == nil {
		e.sup.Interrupt()
	}
	e, err := r.lock(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()
	return r.stopLocked(ctx, e)
}

func (r *Registry) stopLocked(ctx context.Context, e *entry) error {
	err := e.sup.Stop(ctx)
	r.setStatus(e, types.StatusStopped)
	e.logs.Publish(types.NewLogLine(types.OriginManager, StopMarker))
	return err
}

// Restart stops then starts the chain within one critical section.
func (r *Registry) Restart(ctx context.Context, id uint64) (err error) {
	begin := time.Now()
	defer func() { observe("restart", begin, err) }()
	defer log.Timed(r.logger.With().Uint64("chain", id).Logger(), "restart")()

	if e, err := r.lookup(id); err == nil {
		e.sup.Interrupt()
	}
	e, err := r.lock(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()

	if err := r.stopLocked(ctx, e); err != nil {
		return err
	}
	return r.startLocked(ctx, e)
}

// Delete stops the chain's node and removes the chain. Stop errors are
// logged but never prevent removal.
func (r *Registry) Delete(ctx context.Context, id uint64) (err error) {
	begin := time.Now()
	defer func() { observe("delete", begin, err) }()
	defer log.Timed(r.logger.With().Uint64("chain", id).Logger(), "delete")()

	if e, err := r.lookup(id); err == nil {
		e.sup.Interrupt()
	}
	e, err := r.lock(id)
	if err != nil {
		return err
	}
	defer e.op.Unlock()

	if err := e.sup.Stop(ctx); err != nil {
		r.logger.Warn().Err(err).Uint64("chain", id).Msg("Stop before delete failed")
	}

	r.mu.Lock()
	e.removed = true
	delete(r.chains, id)
	r.updateGaugesLocked()
	r.mu.Unlock()

	e.logs.Close()
	e.blocks.Close()
	if r.opts.History != nil {
		<-e.recorded
		if err := r.opts.History.Drop(id); err != nil {
			r.logger.Warn().Err(err).Uint64("chain", id).Msg("Failed to drop block history")
		}
	}

	r.logger.Info().Uint64("chain", id).Msg("Chain deleted")
	return nil
}

// SubscribeLogs attaches a live log subscription.
func (r *Registry) SubscribeLogs(id uint64) (*broadcast.Subscription[types.LogLine], error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.logs.Subscribe(), nil
}

// SubscribeBlocks attaches a live block subscription.
func (r *Registry) SubscribeBlocks(id uint64) (*broadcast.Subscription[types.Block], error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.blocks.Subscribe(), nil
}

// GetBlock fetches a block and its transactions from the chain's node.
func (r *Registry) GetBlock(ctx context.Context, id, number uint64) (types.BlockWithTransactions, error) {
	e, err := r.lookup(id)
	if err != nil {
		return types.BlockWithTransactions{}, err
	}
	return e.sup.BlockWithTransactions(ctx, number)
}

// RecentBlocks returns up to limit recorded blocks, newest first.
func (r *Registry) RecentBlocks(id uint64, limit int) ([]types.Block, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	if r.opts.History == nil {
		return []types.Block{}, nil
	}
	return r.opts.History.Recent(id, limit)
}

// Inspect returns the chain configuration with the state of its node.
func (r *Registry) Inspect(ctx context.Context, id uint64) (types.ChainInfo, error) {
	r.mu.Lock()
	e, ok := r.chains[id]
	var cfg types.ChainConfig
	if ok {
		cfg = e.cfg
	}
	r.mu.Unlock()
	if !ok {
		return types.ChainInfo{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	pi := e.sup.Info(ctx)
	last := pi.LastBlock
	if r.opts.History != nil {
		if b, ok, err := r.opts.History.Latest(id); err == nil && ok && b.Number > last {
			last = b.Number
		}
	}
	return types.ChainInfo{
		ChainConfig: cfg,
		PID:         pi.PID,
		Alive:       pi.Alive,
		RPCURL:      e.sup.RPCURL(),
		WSURL:       e.sup.WSURL(),
		StartedAt:   pi.StartedAt,
		RSSBytes:    pi.RSSBytes,
		CPUPercent:  pi.CPUPercent,
		LastBlock:   last,

		LogSubscribers:   e.logs.Subscribers(),
		BlockSubscribers: e.blocks.Subscribers(),
	}, nil
}

// Shutdown stops every chain in parallel, ends all subscriptions and waits
// for the history recorders. The registry is empty afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := r.Delete(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	r.recorders.Wait()
	return err
}

// handleExit moves a Running chain to Error after its node died on its own.
func (r *Registry) handleExit(e *entry, err error) {
	r.mu.Lock()
	changed := !e.removed && e.cfg.Status == types.StatusRunning
	if changed {
		e.cfg.Status = types.StatusError
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	if changed {
		r.logger.Warn().Err(err).Uint64("chain", e.cfg.ID).Msg("Chain node crashed")
	}
}

func (r *Registry) record(id uint64, sub *broadcast.Subscription[types.Block], done chan struct{}) {
	defer r.recorders.Done()
	defer close(done)
	for b := range sub.C() {
		if err := r.opts.History.Record(id, b); err != nil {
			r.logger.Warn().Err(err).Uint64("chain", id).Msg("Failed to record block")
		}
	}
}
