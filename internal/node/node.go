// Package node wires the chain registry, block history and HTTP control
// plane into a manager that can be embedded in any binary.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/localchain/config"
	"github.com/Klingon-tech/localchain/internal/api"
	"github.com/Klingon-tech/localchain/internal/history"
	klog "github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/registry"
	"github.com/Klingon-tech/localchain/internal/storage"
)

// Node is a fully-initialized chain manager.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db      storage.DB
	history *history.Store
	reg     *registry.Registry
	presets []config.Preset

	apiServer *api.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a manager. It sets up logging, storage, the
// registry and the API server but starts nothing. Call Start for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "localchaind.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(logFile)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	logger.Info().
		Str("datadir", cfg.DataDir).
		Str("node_binary", cfg.Node.Binary).
		Str("history", cfg.History.Backend).
		Msg("Starting LocalChain manager")

	// ── 2. Preset chains ────────────────────────────────────────────
	presets, err := config.LoadPresets(expandHome(cfg.Chains.File))
	if err != nil {
		return nil, err
	}

	// ── 3. Block history ────────────────────────────────────────────
	db, err := storage.Open(cfg.History.Backend, cfg.HistoryDir())
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	hist := history.New(db, cfg.History.Limit)

	// ── 4. Registry ─────────────────────────────────────────────────
	reg := registry.New(registryOptions(cfg, hist))

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		history: hist,
		reg:     reg,
		presets: presets,
		ctx:     ctx,
		cancel:  cancel,
	}

	// ── 5. API ──────────────────────────────────────────────────────
	n.apiServer = api.New(cfg.ListenAddr(), reg, api.Options{
		API:     cfg.API,
		Metrics: cfg.Metrics.Enabled,
	})

	return n, nil
}

// Start serves the API and creates the preset chains, starting those
// marked autostart in the background.
func (n *Node) Start() error {
	if err := n.apiServer.Start(); err != nil {
		return err
	}

	for _, p := range n.presets {
		id, err := n.reg.Create(p.ChainConfig)
		if err != nil {
			return fmt.Errorf("create preset chain %d: %w", p.ID, err)
		}
		if !p.AutoStart {
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.reg.Start(n.ctx, id); err != nil && n.ctx.Err() == nil {
				n.logger.Warn().Err(err).Uint64("chain", id).Msg("Autostart failed")
			}
		}()
	}

	n.logger.Info().
		Str("api", n.APIAddr()).
		Int("presets", len(n.presets)).
		Msg("Manager started")
	return nil
}

// Stop terminates every chain, then shuts down the API and storage.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Supervisor.StopTimeout+5*time.Second)
	defer cancel()

	if err := n.reg.Shutdown(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Some chains did not stop cleanly")
	}
	if n.apiServer != nil {
		if err := n.apiServer.Stop(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("API shutdown")
		}
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// APIAddr returns the address the API server is listening on.
func (n *Node) APIAddr() string {
	if n.apiServer == nil {
		return ""
	}
	return n.apiServer.Addr()
}
