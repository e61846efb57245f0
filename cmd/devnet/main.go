// Command devnet boots several local dev chains in-process and checks that
// each one produces blocks.
//
// Usage: go run ./cmd/devnet/ [-chains 3] [-blocks 5] [-block-time 1]
//
// It creates the chains in a fresh registry, starts them in parallel, waits
// until every chain has produced the requested number of blocks, prints a
// summary table and shuts everything down. Ctrl+C for early shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	klog "github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/registry"
	"github.com/Klingon-tech/localchain/internal/supervisor"
	"github.com/Klingon-tech/localchain/pkg/types"
)

const firstChainID = 31337

type result struct {
	id     uint64
	port   uint16
	blocks int
	last   types.Block
	took   time.Duration
}

func main() {
	var (
		numChains = flag.Int("chains", 3, "Number of chains to boot")
		numBlocks = flag.Int("blocks", 5, "Blocks to wait for on every chain")
		blockTime = flag.Uint64("block-time", 1, "Block time in seconds")
		basePort  = flag.Uint("port", 8545, "Port of the first chain")
		binary    = flag.String("binary", "anvil", "Dev node binary")
		logLevel  = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	klog.Init(*logLevel, false, "")
	logger := klog.WithComponent("devnet")

	if *numChains <= 0 || *numBlocks <= 0 || *blockTime == 0 {
		klog.Fatal().Msg("chains, blocks and block-time must be positive")
	}

	logger.Info().Int("chains", *numChains).Int("blocks", *numBlocks).Msg("=== LocalChain devnet ===")

	reg := registry.New(registry.Options{
		Supervisor: supervisor.Options{Binary: *binary},
	})

	// ── Phase 1: Register chains ─────────────────────────────────────────

	ids := make([]uint64, 0, *numChains)
	for i := range *numChains {
		cfg := types.ChainConfig{
			Name:      "devnet-" + strconv.Itoa(i+1),
			ID:        firstChainID + uint64(i),
			Port:      uint16(*basePort) + uint16(i),
			BlockTime: *blockTime,
		}
		id, err := reg.Create(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("create chain")
		}
		ids = append(ids, id)
	}

	// ── Phase 2: Signal handling ─────────────────────────────────────────

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown := func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := reg.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}
	defer shutdown()

	// ── Phase 3: Start and watch every chain ─────────────────────────────

	deadline := time.Duration(*numBlocks+2) * time.Duration(*blockTime) * time.Second * 2
	watchCtx, stop := context.WithTimeout(ctx, deadline+30*time.Second)
	defer stop()

	var (
		mu      sync.Mutex
		results []result
	)
	g, gctx := errgroup.WithContext(watchCtx)
	for _, id := range ids {
		g.Go(func() error {
			res, err := watch(gctx, reg, id, *numBlocks)
			if err != nil {
				return fmt.Errorf("chain %d: %w", id, err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	// ── Phase 4: Verification ────────────────────────────────────────────

	if err != nil {
		logger.Error().Err(err).Msg("FAILURE: devnet did not converge")
		shutdown()
		os.Exit(1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Chain", "Port", "Blocks", "Head", "Hash", "Took"})
	for _, id := range ids {
		for _, r := range results {
			if r.id != id {
				continue
			}
			table.Append([]string{
				strconv.FormatUint(r.id, 10),
				strconv.FormatUint(uint64(r.port), 10),
				strconv.Itoa(r.blocks),
				strconv.FormatUint(r.last.Number, 10),
				r.last.Hash,
				r.took.Round(time.Millisecond).String(),
			})
		}
	}
	fmt.Println()
	table.Render()
	fmt.Println()
	logger.Info().Msg("SUCCESS: every chain produced blocks")
}

// watch starts one chain and waits for n blocks on its block stream.
func watch(ctx context.Context, reg *registry.Registry, id uint64, n int) (result, error) {
	logger := klog.WithChain(id)
	sub, err := reg.SubscribeBlocks(id)
	if err != nil {
		return result{}, err
	}
	defer sub.Close()

	begin := time.Now()
	if err := reg.Start(ctx, id); err != nil {
		return result{}, fmt.Errorf("start: %w", err)
	}
	cfg, err := reg.Get(id)
	if err != nil {
		return result{}, err
	}
	logger.Info().Uint16("port", cfg.Port).Dur("took", time.Since(begin)).Msg("Chain running")

	res := result{id: id, port: cfg.Port}
	for res.blocks < n {
		b, err := sub.Recv(ctx)
		if err != nil {
			return result{}, fmt.Errorf("after %d blocks: %w", res.blocks, err)
		}
		res.blocks++
		res.last = b
		logger.Info().Uint64("number", b.Number).Int("txs", b.TransactionCount).Msg("Block")
	}
	res.took = time.Since(begin)
	return res, nil
}
