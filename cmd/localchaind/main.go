// LocalChain manager daemon.
//
// Usage:
//
//	localchaind [--api-port=3000 --chains=chains.json]   Run the manager
//	localchaind --help                                   Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/localchain/config"
	klog "github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		klog.Error().Err(err).Msg("Failed to start manager")
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	klog.Info().Str("signal", sig.String()).Msg("Shutting down")

	n.Stop()
}
