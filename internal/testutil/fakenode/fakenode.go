// Package fakenode is a minimal Ethereum dev node used by tests in place of
// anvil. Test binaries re-execute themselves as the node (see IsChild) so
// that supervisors spawn a real process speaking JSON-RPC over WebSocket.
package fakenode

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Environment variables controlling a re-executed test binary.
const (
	ChildEnv = "LOCALCHAIN_FAKENODE"
	ModeEnv  = "LOCALCHAIN_FAKENODE_MODE"
)

// Modes.
const (
	ModeNormal = ""
	// ModeSilent never opens the RPC port.
	ModeSilent = "silent"
	// ModeCrash serves for a short while, then exits with status 3.
	ModeCrash = "crash"
)

// Coinbase is the beneficiary of every produced block.
var Coinbase = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// IsChild reports whether the current process was launched as a fake node.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// Env returns the environment entries that turn a test binary into a fake
// node running in the given mode.
func Env(mode string) []string {
	return []string{ChildEnv + "=1", ModeEnv + "=" + mode}
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// Main runs the node with anvil-style arguments and returns an exit code.
func Main(args []string) int {
	fs := flag.NewFlagSet("fakenode", flag.ContinueOnError)
	port := fs.Uint("port", 8545, "rpc port")
	chainID := fs.Uint64("chain-id", 31337, "chain id")
	blockTime := fs.Uint64("block-time", 0, "seconds between blocks")
	forkURL := fs.String("fork-url", "", "upstream rpc")
	host := fs.String("host", "127.0.0.1", "listen host")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	mode := os.Getenv(ModeEnv)
	fmt.Fprintf(os.Stderr, "fakenode: chain id %d, block time %ds\n", *chainID, *blockTime)
	if *forkURL != "" {
		fmt.Printf("Forking from %s\n", *forkURL)
	}

	if mode == ModeSilent {
		fmt.Println("Not listening")
		idle()
	}

	chain := newChain(*chainID)
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", &ethAPI{chain: chain}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	addr := net.JoinHostPort(*host, strconv.FormatUint(uint64(*port), 10))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ws := srv.WebsocketHandler([]string{"*"})
	go http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			ws.ServeHTTP(w, r)
			return
		}
		srv.ServeHTTP(w, r)
	}))
	fmt.Printf("Listening on %s\n", addr)

	if mode == ModeCrash {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "fakenode: crashing")
		return 3
	}

	if *blockTime == 0 {
		idle()
	}
	for range time.Tick(time.Duration(*blockTime) * time.Second) {
		h := chain.mine()
		fmt.Printf("    Block Number: %d\n", h.Number.Uint64())
	}
	return 0
}

func idle() {
	for {
		time.Sleep(time.Hour)
	}
}

type block struct {
	header *types.Header
	txs    []common.Hash
}

type chain struct {
	id uint64

	mu     sync.Mutex
	blocks []block
	subs   map[chan *types.Header]struct{}
}

func newChain(id uint64) *chain {
	c := &chain{id: id, subs: make(map[chan *types.Header]struct{})}
	c.blocks = append(c.blocks, block{header: c.header(0, common.Hash{})})
	return c
}

func (c *chain) header(n uint64, parent common.Hash) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Coinbase:   Coinbase,
		Difficulty: big.NewInt(0),
		Number:     new(big.Int).SetUint64(n),
		GasLimit:   30_000_000,
		GasUsed:    21_000 * n % 30_000_000,
		Time:       uint64(time.Now().Unix()),
		Extra:      []byte{},
		BaseFee:    big.NewInt(1_000_000_000),
	}
}

func (c *chain) mine() *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.blocks[len(c.blocks)-1].header
	h := c.header(parent.Number.Uint64()+1, parent.Hash())
	tx := crypto.Keccak256Hash(h.Number.Bytes(), []byte("tx"))
	c.blocks = append(c.blocks, block{header: h, txs: []common.Hash{tx}})

	for ch := range c.subs {
		select {
		case ch <- h:
		default:
		}
	}
	return h
}

func (c *chain) get(n rpc.BlockNumber) (block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 0 {
		return c.blocks[len(c.blocks)-1], true
	}
	if int64(n) >= int64(len(c.blocks)) {
		return block{}, false
	}
	return c.blocks[n], true
}

func (c *chain) subscribe() (chan *types.Header, func()) {
	ch := make(chan *types.Header, 16)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

type ethAPI struct {
	chain *chain
}

func (api *ethAPI) ChainId() hexutil.Uint64 {
	return hexutil.Uint64(api.chain.id)
}

func (api *ethAPI) BlockNumber() hexutil.Uint64 {
	b, _ := api.chain.get(rpc.LatestBlockNumber)
	return hexutil.Uint64(b.header.Number.Uint64())
}

func (api *ethAPI) GetBlockByNumber(ctx context.Context, number rpc.BlockNumber, fullTx bool) (map[string]any, error) {
	b, ok := api.chain.get(number)
	if !ok {
		return nil, nil
	}

	h := b.header
	n := h.Number.Uint64()
	txs := make([]any, 0, len(b.txs))
	for i, hash := range b.txs {
		if !fullTx {
			txs = append(txs, hash)
			continue
		}
		txs = append(txs, map[string]any{
			"hash":             hash,
			"from":             Coinbase,
			"blockNumber":      hexutil.Uint64(n),
			"blockHash":        h.Hash(),
			"transactionIndex": hexutil.Uint64(i),
			"nonce":            hexutil.Uint64(n - 1),
			"type":             hexutil.Uint64(2),
		})
	}

	return map[string]any{
		"number":       hexutil.Uint64(n),
		"hash":         h.Hash(),
		"parentHash":   h.ParentHash,
		"miner":        h.Coinbase,
		"gasLimit":     hexutil.Uint64(h.GasLimit),
		"gasUsed":      hexutil.Uint64(h.GasUsed),
		"timestamp":    hexutil.Uint64(h.Time),
		"nonce":        h.Nonce,
		"transactions": txs,
	}, nil
}

func (api *ethAPI) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()

	ch, unsubscribe := api.chain.subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case h := <-ch:
				_ = notifier.Notify(sub.ID, h)
			case <-sub.Err():
				return
			}
		}
	}()
	return sub, nil
}
