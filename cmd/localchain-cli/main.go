// localchain-cli is a command-line client for a running localchaind.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/Klingon-tech/localchain/internal/apiclient"
)

// cli carries the global options into every command.
type cli struct {
	client *apiclient.Client
	json   bool
}

func main() {
	apiURL := os.Getenv("LOCALCHAIN_API")
	if apiURL == "" {
		apiURL = apiclient.DefaultURL
	}
	jsonOut := false
	timeout := 60 * time.Second

	// Scan for global flags before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--api" && len(args) > 1:
			apiURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--api="):
			apiURL = args[0][len("--api="):]
			args = args[1:]
		case args[0] == "--json":
			jsonOut = true
			args = args[1:]
		case args[0] == "--no-color":
			color.NoColor = true
			args = args[1:]
		case args[0] == "--timeout" && len(args) > 1:
			d, err := time.ParseDuration(args[1])
			if err != nil {
				fatal("invalid --timeout: %v", err)
			}
			timeout = d
			args = args[2:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	c := &cli{client: apiclient.NewWithTimeout(apiURL, timeout), json: jsonOut}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "health":
		c.cmdHealth(ctx)
	case "list", "ls":
		c.cmdList(ctx)
	case "create":
		c.cmdCreate(ctx, cmdArgs)
	case "start", "stop", "restart":
		c.cmdLifecycle(ctx, cmd, cmdArgs)
	case "delete", "rm":
		c.cmdDelete(ctx, cmdArgs)
	case "inspect":
		c.cmdInspect(ctx, cmdArgs)
	case "block":
		c.cmdBlock(ctx, cmdArgs)
	case "blocks":
		c.cmdBlocks(ctx, cmdArgs)
	case "logs":
		c.cmdLogs(ctx, cmdArgs)
	case "heads":
		c.cmdHeads(ctx, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: localchain-cli [global flags] <command> [args]

Global flags:
  --api <url>         Manager API (default: %s, env LOCALCHAIN_API)
  --json              Print raw JSON
  --no-color          Disable colors
  --timeout <dur>     Request timeout (default: 60s)

Commands:
  health                              Check that the manager is up
  list                                List chains
  create --id N --port P [--name S] [--block-time T] [--fork-url URL] [--start]
                                      Register a chain
  start <id>                          Start a chain's node
  stop <id>                           Stop a chain's node
  restart <id>                        Restart a chain's node
  delete <id>                         Stop and remove a chain
  inspect <id>                        Show a chain and its node process
  block <id> <number>                 Show a block and its transactions
  blocks <id> [--limit N]             Show recent blocks
  logs <id>                           Follow node output
  heads <id>                          Follow new blocks
`, apiclient.DefaultURL)
}

func fatal(format string, args ...any) {
	fmt.Fprint(os.Stderr, color.RedString("Error: "))
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
