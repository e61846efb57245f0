package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/Klingon-tech/localchain/pkg/types"
)

func parseID(args []string, usage string) uint64 {
	if len(args) < 1 {
		fatal("Usage: localchain-cli %s", usage)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fatal("invalid chain id %q", args[0])
	}
	return id
}

func (c *cli) cmdHealth(ctx context.Context) {
	if err := c.client.Health(ctx); err != nil {
		fatal("%v", err)
	}
	fmt.Println(color.GreenString("ok"))
}

func (c *cli) cmdList(ctx context.Context) {
	chains, err := c.client.ListChains(ctx)
	if err != nil {
		fatal("list: %v", err)
	}
	if c.json {
		printJSON(chains)
		return
	}
	if len(chains) == 0 {
		fmt.Println("No chains.")
		return
	}
	renderChains(os.Stdout, chains)
}

func (c *cli) cmdCreate(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "chain name")
	id := fs.Uint64("id", 0, "chain id")
	port := fs.Uint("port", 0, "node RPC port")
	blockTime := fs.Uint64("block-time", 1, "seconds between blocks (0 = per transaction)")
	forkURL := fs.String("fork-url", "", "upstream RPC to fork from")
	start := fs.Bool("start", false, "start the chain after creating it")
	fs.Parse(args)

	idSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "id" {
			idSet = true
		}
	})
	if !idSet || *port == 0 || *port > 65535 {
		fatal("Usage: localchain-cli create --id N --port P [--name S] [--block-time T] [--fork-url URL] [--start]")
	}

	cfg := types.ChainConfig{
		Name:      *name,
		ID:        *id,
		Port:      uint16(*port),
		BlockTime: *blockTime,
		ForkURL:   *forkURL,
	}
	created, err := c.client.CreateChain(ctx, cfg)
	if err != nil {
		fatal("create: %v", err)
	}
	fmt.Printf("Created chain %d\n", created)

	if *start {
		c.cmdLifecycle(ctx, "start", []string{strconv.FormatUint(created, 10)})
	}
}

func (c *cli) cmdLifecycle(ctx context.Context, op string, args []string) {
	id := parseID(args, op+" <id>")

	var (
		cfg *types.ChainConfig
		err error
	)
	switch op {
	case "start":
		cfg, err = c.client.Start(ctx, id)
	case "stop":
		cfg, err = c.client.Stop(ctx, id)
	case "restart":
		cfg, err = c.client.Restart(ctx, id)
	}
	if err != nil {
		fatal("%s: %v", op, err)
	}
	if c.json {
		printJSON(cfg)
		return
	}
	fmt.Printf("Chain %d: %s\n", cfg.ID, statusText(cfg.Status))
}

func (c *cli) cmdDelete(ctx context.Context, args []string) {
	id := parseID(args, "delete <id>")
	if err := c.client.Delete(ctx, id); err != nil {
		fatal("delete: %v", err)
	}
	fmt.Printf("Deleted chain %d\n", id)
}

func (c *cli) cmdInspect(ctx context.Context, args []string) {
	id := parseID(args, "inspect <id>")
	info, err := c.client.GetChain(ctx, id)
	if err != nil {
		fatal("inspect: %v", err)
	}
	if c.json {
		printJSON(info)
		return
	}
	out, err := toYAML(info)
	if err != nil {
		fatal("format: %v", err)
	}
	fmt.Print(out)
}

func (c *cli) cmdBlock(ctx context.Context, args []string) {
	if len(args) < 2 {
		fatal("Usage: localchain-cli block <id> <number>")
	}
	id := parseID(args, "block <id> <number>")
	number, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fatal("invalid block number %q", args[1])
	}

	b, err := c.client.GetBlock(ctx, id, number)
	if err != nil {
		fatal("block: %v", err)
	}
	if c.json {
		printJSON(b)
		return
	}

	fmt.Printf("Number:       %d\n", b.Block.Number)
	fmt.Printf("Hash:         %s\n", b.Block.Hash)
	fmt.Printf("Beneficiary:  %s\n", b.Block.Beneficiary)
	fmt.Printf("Gas:          %d / %d\n", b.Block.GasUsed, b.Block.GasLimit)
	fmt.Printf("Timestamp:    %s\n", time.Unix(int64(b.Block.Time), 0).UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Nonce:        %s\n", b.Block.Nonce)
	fmt.Printf("Transactions: %d\n", b.Block.TransactionCount)
	if len(b.Transactions) > 0 {
		fmt.Println()
		renderTransactions(os.Stdout, b.Transactions)
	}
}

func (c *cli) cmdBlocks(ctx context.Context, args []string) {
	id := parseID(args, "blocks <id> [--limit N]")
	fs := flag.NewFlagSet("blocks", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of blocks")
	fs.Parse(args[1:])

	blocks, err := c.client.RecentBlocks(ctx, id, *limit)
	if err != nil {
		fatal("blocks: %v", err)
	}
	if c.json {
		printJSON(blocks)
		return
	}
	if len(blocks) == 0 {
		fmt.Println("No blocks recorded.")
		return
	}
	renderBlocks(os.Stdout, blocks)
}

func (c *cli) cmdLogs(ctx context.Context, args []string) {
	id := parseID(args, "logs <id>")
	err := c.client.StreamLogs(ctx, id, func(line string) error {
		fmt.Println(colorLogLine(line))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal("logs: %v", err)
	}
}

func (c *cli) cmdHeads(ctx context.Context, args []string) {
	id := parseID(args, "heads <id>")
	err := c.client.StreamBlocks(ctx, id, func(b types.Block) error {
		if c.json {
			printJSONLine(b)
			return nil
		}
		fmt.Println(formatHead(b))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal("heads: %v", err)
	}
}
